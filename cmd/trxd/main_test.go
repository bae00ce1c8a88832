package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"trxd/internal/config"
)

type nopDevice struct{}

func (nopDevice) Read(p []byte) (int, error)  { return 0, io.EOF }
func (nopDevice) Write(p []byte) (int, error) { return len(p), nil }
func (nopDevice) Close() error                { return nil }

func TestDriversCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"drivers"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "dummy") || !strings.HasPrefix(lines[1], "ft-817") {
		t.Fatalf("output=%q", out.String())
	}
	if !strings.Contains(lines[1], "modes=LSB,USB") {
		t.Fatalf("ft-817 line=%q", lines[1])
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trxd.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: \"4000\"\nlog:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--config", path, "--listen-port", "4100", "-l", "debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	configPath, _ := cmd.Flags().GetString("config")
	port, _ := cmd.Flags().GetString("listen-port")
	level, _ := cmd.Flags().GetString("log-level")
	cfg, err := loadConfig(cmd, rootFlags{configPath: configPath, listenPort: port, logLevel: level})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen.Port != "4100" || cfg.Log.Level != "debug" || cfg.Listen.Address != "localhost" {
		t.Fatalf("cfg=%+v", cfg)
	}

	if err := cmd.ParseFlags([]string{"--listen-port", "nope"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	_, err = loadConfig(cmd, rootFlags{configPath: configPath, listenPort: "nope"})
	if err == nil || err.Error() != "listen.port must be a number in [0,65535]" {
		t.Fatalf("err=%v", err)
	}
}

func TestRuntime_ServesConfiguredTransceiver(t *testing.T) {
	cfg := config.Default()
	cfg.Listen.Address = "127.0.0.1"
	cfg.Listen.Port = "0"
	cfg.Trx.Devices = []config.TrxDevice{{Name: "main", Device: "/dev/null", Driver: "dummy"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, cfg, runtimeDeps{
		open: func(string, int) (io.ReadWriteCloser, error) { return nopDevice{}, nil },
	})
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	addrs := rt.listenAddrs()
	if len(addrs) != 1 {
		t.Fatalf("addrs=%v", addrs)
	}
	c, err := net.Dial("tcp", addrs[0])
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.WriteString(c, `{"id":1,"request":"get-mode","trx":"main"}`+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(c).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp struct {
		Status string `json:"status"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if resp.Status != "Ok" || resp.Result != "USB" {
		t.Fatalf("resp=%s", line)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("runtime did not stop")
	}
	if rt.manager.Count() != 0 {
		t.Fatalf("sessions left open: %d", rt.manager.Count())
	}
}

func TestRuntime_UnknownDriverAbortsStartup(t *testing.T) {
	cfg := config.Default()
	cfg.Listen.Address = "127.0.0.1"
	cfg.Listen.Port = "0"
	cfg.Trx.Devices = []config.TrxDevice{{Name: "main", Device: "/dev/null", Driver: "ic-7300"}}

	_, err := newRuntime(context.Background(), cfg, runtimeDeps{
		open: func(string, int) (io.ReadWriteCloser, error) { return nopDevice{}, nil },
	})
	if err == nil || !strings.Contains(err.Error(), "driver not found") {
		t.Fatalf("err=%v", err)
	}
}

func TestRuntime_MirrorsEventsOverUDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	cfg := config.Default()
	cfg.Listen.Address = "127.0.0.1"
	cfg.Listen.Port = "0"
	cfg.Trx.Devices = []config.TrxDevice{{Name: "main", Device: "/dev/null", Driver: "dummy"}}
	cfg.UDP = config.UDPConfig{Enable: true, Dest: pc.LocalAddr().String()}

	rt, err := newRuntime(context.Background(), cfg, runtimeDeps{
		open: func(string, int) (io.ReadWriteCloser, error) { return nopDevice{}, nil },
	})
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.Close()

	_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev struct {
		Event string `json:"event"`
		Trx   string `json:"trx"`
	}
	if err := json.Unmarshal(buf[:n], &ev); err != nil || ev.Event != "state" || ev.Trx != "main" {
		t.Fatalf("datagram=%s err=%v", buf[:n], err)
	}
}
