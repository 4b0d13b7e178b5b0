// Package tftpboot serves PXE boot files read-only over TFTP when the
// daemon hands out boot options.
package tftpboot

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pin/tftp"

	"gosling/internal/config"
)

type Server struct {
	cfg    config.TFTPConfig
	logger *log.Logger
}

func NewServer(cfg config.TFTPConfig, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Run serves read requests from the configured root until ctx is cancelled.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv := tftp.NewServer(s.readHandler, nil)
	srv.SetTimeout(time.Duration(s.cfg.TimeoutSec) * time.Second)

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	s.logger.Printf("INFO tftp serving %s on %s", s.cfg.RootDir, s.cfg.Address)
	ready.Store(true)

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

// readHandler resolves filename inside the root, refusing path escapes.
func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	clean := filepath.Clean(filename)
	for strings.HasPrefix(clean, string(filepath.Separator)) {
		clean = strings.TrimPrefix(clean, string(filepath.Separator))
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return os.ErrPermission
	}
	path := filepath.Join(s.cfg.RootDir, clean)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := rf.ReadFrom(f); err != nil {
		return err
	}
	s.logger.Printf("INFO served %s via TFTP", filename)
	return nil
}
