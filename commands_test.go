package ftp

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func dialFake(t *testing.T, s *fakeServer) *Client {
	t.Helper()
	c, err := Connect(s.addr(), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConnect_Greeting(t *testing.T) {
	s := startFakeServer(t)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.accept()
		s.send("220 fake ftp ready")
	}()

	c := dialFake(t, s)
	wg.Wait()
	if c.Closed() {
		t.Error("client unexpectedly closed after greeting")
	}
}

func TestConnect_RejectedGreeting(t *testing.T) {
	s := startFakeServer(t)
	go func() {
		s.accept()
		s.send("421 service not available")
	}()

	_, err := Connect(s.addr(), WithTimeout(2*time.Second))
	if err == nil {
		t.Fatal("expected error from rejected greeting")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Errorf("error = %T, want *ProtocolError", err)
	}
}

func TestLogin(t *testing.T) {
	s := startFakeServer(t)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.greetAndLogin("alice", "secret")
	}()

	c := dialFake(t, s)
	if err := c.Login("alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	wg.Wait()
}

func TestLogin_BareAccept(t *testing.T) {
	s := startFakeServer(t)
	go func() {
		s.accept()
		s.send("220 fake ftp ready")
		s.expect("USER anonymous")
		s.send("230 logged in without password")
	}()

	c := dialFake(t, s)
	if err := c.Login("anonymous", "ignored"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestList_PassiveMode(t *testing.T) {
	s := startFakeServer(t)
	dataLn, pasvMsg := openDataListener(t)

	go func() {
		s.greetAndLogin("alice", "secret")
		s.expect("PASV")
		s.send(pasvMsg)

		dataConn, err := dataLn.Accept()
		if err != nil {
			t.Errorf("data accept: %v", err)
			return
		}
		defer dataConn.Close()

		s.expect("LIST")
		s.send("150 opening data connection")
		_, _ = dataConn.Write([]byte("-rw-r--r-- 1 owner group 1234 Jan 01 00:00 file.txt\r\n"))
		dataConn.Close()
		s.send("226 transfer complete")
	}()

	c := dialFake(t, s)
	if err := c.Login("alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	raw, err := c.List("", func(s string) any { return s })
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	text, ok := raw.(string)
	if !ok || !strings.Contains(text, "file.txt") {
		t.Errorf("List() = %v, want listing containing file.txt", raw)
	}
}

func TestUpload(t *testing.T) {
	s := startFakeServer(t)
	dataLn, pasvMsg := openDataListener(t)

	received := make(chan []byte, 1)
	go func() {
		s.greetAndLogin("alice", "secret")
		s.expect("PASV")
		s.send(pasvMsg)

		dataConn, err := dataLn.Accept()
		if err != nil {
			t.Errorf("data accept: %v", err)
			return
		}

		s.expect("STOR remote.txt")
		s.send("150 ready for upload")

		buf := make([]byte, 1024)
		n, _ := dataConn.Read(buf)
		received <- buf[:n]
		dataConn.Close()

		s.send("226 transfer complete")
	}()

	c := dialFake(t, s)
	if err := c.Login("alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	payload := []byte("hello from upload")
	if err := c.Upload(bytes.NewReader(payload), "remote.txt"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	got := <-received
	if !bytes.Equal(got, payload) {
		t.Errorf("server received %q, want %q", got, payload)
	}
}

func TestDownload(t *testing.T) {
	s := startFakeServer(t)
	dataLn, pasvMsg := openDataListener(t)

	content := []byte("downloaded bytes")
	go func() {
		s.greetAndLogin("alice", "secret")
		s.expect("PASV")
		s.send(pasvMsg)

		dataConn, err := dataLn.Accept()
		if err != nil {
			t.Errorf("data accept: %v", err)
			return
		}

		s.expect("RETR remote.txt")
		s.send("150 sending file")
		_, _ = dataConn.Write(content)
		dataConn.Close()
		s.send("226 transfer complete")
	}()

	c := dialFake(t, s)
	if err := c.Login("alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	var dst bytes.Buffer
	if err := c.Download(&dst, "remote.txt", 0); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if dst.String() != string(content) {
		t.Errorf("Download got %q, want %q", dst.String(), content)
	}
}

func TestDownload_Resume(t *testing.T) {
	s := startFakeServer(t)
	dataLn, pasvMsg := openDataListener(t)

	tail := []byte("resumed tail")
	go func() {
		s.greetAndLogin("alice", "secret")
		s.expect("PASV")
		s.send(pasvMsg)

		dataConn, err := dataLn.Accept()
		if err != nil {
			t.Errorf("data accept: %v", err)
			return
		}

		s.expect("REST 8")
		s.send("350 ready for REST")
		s.expect("RETR remote.txt")
		s.send("150 sending file")
		_, _ = dataConn.Write(tail)
		dataConn.Close()
		s.send("226 transfer complete")
	}()

	c := dialFake(t, s)
	if err := c.Login("alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	var dst bytes.Buffer
	if err := c.Download(&dst, "remote.txt", 8); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if dst.String() != string(tail) {
		t.Errorf("Download got %q, want %q", dst.String(), tail)
	}
}

func TestFeatures_RFC2389AndUTF8Negotiation(t *testing.T) {
	s := startFakeServer(t)
	go func() {
		s.greetAndLogin("alice", "secret")
		s.expect("TYPE I")
		s.send("200 type set")
		s.expect("STRU F")
		s.send("200 struct set")
		s.expect("FEAT")
		s.send("211-Features:")
		s.send(" UTF8")
		s.send(" MDTM")
		s.send("211 End")
		s.expect("OPTS UTF8 ON")
		s.send("200 utf8 enabled")
	}()

	c := dialFake(t, s)
	if err := c.Login("alice", "secret"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.UseDefaultSettings(); err != nil {
		t.Fatalf("UseDefaultSettings: %v", err)
	}
}

func TestSend_IgnoreErrors(t *testing.T) {
	s := startFakeServer(t)
	go func() {
		s.accept()
		s.send("220 fake ftp ready")
		s.expect("NOOP")
		s.send("500 unrecognized command")
	}()

	c := dialFake(t, s)
	code, err := c.Send("NOOP", true)
	if err != nil {
		t.Fatalf("Send with ignoreErrors: %v", err)
	}
	if code != 500 {
		t.Errorf("code = %d, want 500", code)
	}
}

func TestSend_PropagatesProtocolError(t *testing.T) {
	s := startFakeServer(t)
	go func() {
		s.accept()
		s.send("220 fake ftp ready")
		s.expect("DELE missing.txt")
		s.send("550 no such file")
	}()

	c := dialFake(t, s)
	_, err := c.Send("DELE missing.txt", false)
	if err == nil {
		t.Fatal("expected error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok {
		t.Fatalf("error = %T, want *ProtocolError", err)
	}
	if pe.Code != 550 {
		t.Errorf("Code = %d, want 550", pe.Code)
	}
}
