package wire

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"
)

// ListenAndServe accepts connections on addr until ctx is canceled,
// handing each one to s.ServeConn in its own goroutine, using a plain
// net.Listen/Accept loop rather than any higher-level framework.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.Log.WithField("addr", addr).Info("binary protocol listener started")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Log.WithError(err).Warn("accept failed")
			continue
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.Log.WithFields(logrus.Fields{"panic": r}).Error("connection handler panicked")
				}
			}()
			s.ServeConn(ctx, conn)
		}()
	}
}
