package logging

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()

	if cfg.Port != 514 {
		t.Errorf("Expected port 514, got %d", cfg.Port)
	}
	if cfg.Protocol != "udp" {
		t.Errorf("Expected protocol udp, got %s", cfg.Protocol)
	}
	if cfg.Tag != "v6tunnel" {
		t.Errorf("Expected tag v6tunnel, got %s", cfg.Tag)
	}
	if cfg.Facility != 1 {
		t.Errorf("Expected facility 1, got %d", cfg.Facility)
	}
}

func TestNewSyslogWriter_MissingHost(t *testing.T) {
	if _, err := NewSyslogWriter(SyslogConfig{}); err == nil {
		t.Error("Expected error for missing host")
	}
}

func TestSyslogWriter_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		lines <- line
	}()

	addr := ln.Addr().(*net.TCPAddr)
	w, err := NewSyslogWriter(SyslogConfig{Host: "127.0.0.1", Port: addr.Port, Protocol: "tcp"})
	if err != nil {
		t.Fatalf("NewSyslogWriter: %v", err)
	}
	defer w.Close()

	l := New(Config{Level: LevelInfo, Output: w})
	l.Info("announce sent")

	select {
	case line := <-lines:
		if !strings.HasPrefix(line, "<14>") {
			t.Errorf("unexpected priority: %q", line)
		}
		if !strings.Contains(line, "v6tunnel: ") || !strings.Contains(line, "announce sent") {
			t.Errorf("unexpected message: %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no syslog line received")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("Write after Close should fail")
	}
}
