// Package ftp implements an FTP client built around a single-task,
// event-driven dispatcher instead of a synchronous request/response
// loop: at most one operation is ever in flight on a connection, and
// every socket event (a parsed reply, a data-socket chunk, an error)
// is routed to whichever operation is currently pending.
//
// # Overview
//
// This package supports:
//   - Plain FTP connections
//   - Explicit TLS (FTPS with AUTH TLS) and implicit TLS (FTPS on port 990)
//   - Automatic TLS session reuse between control and data connections
//   - Passive-mode data transfers with a pluggable endpoint parser
//   - Optional bandwidth throttling on upload/download
//   - Detailed, typed protocol errors
//
// # Basic Usage
//
//	client, err := ftp.Connect("ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Login("username", "password"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.UseDefaultSettings(); err != nil {
//	    log.Fatal(err)
//	}
//
// # TLS Support
//
// Explicit TLS connects on the standard port and upgrades the control
// connection in place:
//
//	client, err := ftp.Connect("ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.UseTLS(&tls.Config{ServerName: "ftp.example.com"}); err != nil {
//	    log.Fatal(err)
//	}
//
// Implicit TLS dials straight into a handshake, typically on port 990:
//
//	client, err := ftp.Connect("ftp.example.com:990",
//	    ftp.WithImplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// Either way, the TLS session established on the control connection is
// reused when dialing data connections, which vsftpd and ProFTPD both
// require before they will accept a data transfer over TLS.
//
// # File Transfers
//
// Upload a file:
//
//	file, err := os.Open("local.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer file.Close()
//	if err := client.Upload(file, "remote.txt"); err != nil {
//	    log.Fatal(err)
//	}
//
// Download a file, resuming from a byte offset if startAt > 0:
//
//	file, err := os.Create("local.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer file.Close()
//	if err := client.Download(file, "remote.txt", 0); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Handling
//
// Errors returned by this package are typed; use errors.As to recover
// protocol context:
//
//	var pe *ftp.ProtocolError
//	if err := client.Upload(reader, "file.txt"); errors.As(err, &pe) {
//	    fmt.Printf("command %s failed with %d: %s\n", pe.Command, pe.Code, pe.Response)
//	}
package ftp
