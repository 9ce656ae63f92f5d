package rsyncwire

import (
	"bytes"
	"io"
	"testing"
)

func TestMultiplexRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	mw := &MultiplexWriter{Writer: &wire}

	if _, err := mw.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteMsg(MsgInfo, []byte("informational")); err != nil {
		t.Fatal(err)
	}
	if _, err := mw.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteMsg(MsgError, []byte("uh oh")); err != nil {
		t.Fatal(err)
	}

	var gotMessages []Message
	mr := &MultiplexReader{
		Reader: &wire,
		Handler: func(m Message) error {
			gotMessages = append(gotMessages, m)
			return nil
		},
	}

	data, err := io.ReadAll(mr)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "hello world"; got != want {
		t.Fatalf("data = %q, want %q", got, want)
	}
	if len(gotMessages) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(gotMessages), gotMessages)
	}
	if gotMessages[0].Code != MsgInfo || string(gotMessages[0].Payload) != "informational" {
		t.Fatalf("message 0 = %+v", gotMessages[0])
	}
	if gotMessages[1].Code != MsgError || string(gotMessages[1].Payload) != "uh oh" {
		t.Fatalf("message 1 = %+v", gotMessages[1])
	}
}

func TestMultiplexReaderRejectsBadTag(t *testing.T) {
	// tag byte (top byte of the header) below 7 is invalid.
	wire := bytes.NewBuffer([]byte{0x01, 0x00, 0x00, 0x00})
	mr := &MultiplexReader{Reader: wire}
	_, err := mr.Read(make([]byte, 4))
	if err == nil {
		t.Fatal("expected protocol error for invalid multiplex tag")
	}
}
