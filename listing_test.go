package ftp

import "testing"

func TestParseListing_Unix(t *testing.T) {
	t.Parallel()
	raw := "drwxr-xr-x 2 owner group 4096 Jan 01 00:00 subdir\r\n" +
		"-rw-r--r-- 1 owner group 1234 Jan 01 00:00 file.txt\r\n" +
		"lrwxrwxrwx 1 owner group    9 Jan 01 00:00 link -> file.txt\r\n"

	result := ParseListing(nil)(raw)
	entries, ok := result.([]*Entry)
	if !ok {
		t.Fatalf("result type = %T, want []*Entry", result)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	if entries[0].Type != "dir" || entries[0].Name != "subdir" {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].Type != "file" || entries[1].Size != 1234 || entries[1].Name != "file.txt" {
		t.Errorf("entry[1] = %+v", entries[1])
	}
	if entries[2].Type != "link" || entries[2].Name != "link" || entries[2].Target != "file.txt" {
		t.Errorf("entry[2] = %+v", entries[2])
	}
}

func TestParseListing_DOS(t *testing.T) {
	t.Parallel()
	raw := "12-14-23  12:22PM           1037794 large-document.pdf\r\n" +
		"09-24-24  10:30AM       <DIR>          logger\r\n"

	result := ParseListing(nil)(raw)
	entries := result.([]*Entry)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != "file" || entries[0].Size != 1037794 {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].Type != "dir" || entries[1].Name != "logger" {
		t.Errorf("entry[1] = %+v", entries[1])
	}
}

func TestParseListing_EPLF(t *testing.T) {
	t.Parallel()
	raw := "+i8388621.48594,m825718503,r,s280,\tdjb.html\r\n" +
		"+/,\tsubdir\r\n"

	result := ParseListing(nil)(raw)
	entries := result.([]*Entry)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "djb.html" || entries[0].Size != 280 || entries[0].Type != "file" {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[1].Type != "dir" || entries[1].Name != "subdir" {
		t.Errorf("entry[1] = %+v", entries[1])
	}
}

func TestParseListing_UnknownFallback(t *testing.T) {
	t.Parallel()
	raw := "this is not any known listing format\r\n"
	result := ParseListing(nil)(raw)
	entries := result.([]*Entry)
	if len(entries) != 1 || entries[0].Type != "unknown" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestParseListing_BlankLinesSkipped(t *testing.T) {
	t.Parallel()
	raw := "-rw-r--r-- 1 owner group 1234 Jan 01 00:00 file.txt\r\n\r\n"
	result := ParseListing(nil)(raw)
	entries := result.([]*Entry)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
}

func TestParseListing_CustomParserOrder(t *testing.T) {
	t.Parallel()
	custom := customStubParser{name: "override"}
	result := ParseListing([]ListingParser{custom})("anything at all\r\n")
	entries := result.([]*Entry)
	if len(entries) != 1 || entries[0].Name != "override" {
		t.Fatalf("entries = %+v", entries)
	}
}

type customStubParser struct{ name string }

func (p customStubParser) Parse(line string) (*Entry, bool) {
	return &Entry{Name: p.name, Type: "file"}, true
}
