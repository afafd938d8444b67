package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Supervise runs services under one suture supervisor until ctx is done or
// a service terminates the tree. Supervisor events are logged through logger.
func Supervise(ctx context.Context, logger *slog.Logger, services ...suture.Service) error {
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	sup := suture.New("htspctl", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	for _, svc := range services {
		sup.Add(svc)
	}

	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, suture.ErrTerminateSupervisorTree) {
		return nil
	}
	return err
}
