package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	intrnl "pulsechat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return intrnl.RunClient(intrnl.ClientOptions{
		ServerURL:   cfg.ServerURL,
		WSPath:      NormalizeWSPath(cfg.WSPath),
		Email:       cfg.Email,
		Heartbeat:   cfg.Heartbeat,
		SessionPath: cfg.SessionPath,
	})
}

// RunLocal starts a private server on a loopback port and attaches the client
// to it. The server stops when the client exits.
func RunLocal(ctx context.Context, cfg *Config, clientCfg ClientConfig, logger *zap.Logger) error {
	handle, err := RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	clientCfg.ServerURL = localServerURL(handle.Addr())
	clientCfg.WSPath = cfg.Server.WSPath
	logger.Info("launching client", zap.String("server", clientCfg.ServerURL))

	if err := RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// localServerURL maps a listen address to a URL a local client can dial.
// Unspecified hosts become loopback.
func localServerURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func stopServer(handle *ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

// DefaultSessionPath is where the client remembers its login.
func DefaultSessionPath() string {
	return intrnl.DefaultSessionPath()
}
