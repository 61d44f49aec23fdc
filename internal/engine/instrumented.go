package engine

import (
	"context"

	"github.com/italolelis/seedbox_mirror/internal/telemetry"
)

// Instrumented wraps an Engine with telemetry.
type Instrumented struct {
	engine    Engine
	name      string
	telemetry *telemetry.Telemetry
}

// NewInstrumented wraps e. name labels the metrics (aria2, putio).
func NewInstrumented(e Engine, name string, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{engine: e, name: name, telemetry: tel}
}

var _ Engine = (*Instrumented)(nil)

func (i *Instrumented) AddURI(ctx context.Context, uri, dir string) (string, error) {
	var id string

	err := i.telemetry.InstrumentEngineOperation(ctx, i.name, "add_uri", func(ctx context.Context) error {
		var err error

		id, err = i.engine.AddURI(ctx, uri, dir)

		return err
	})

	return id, err
}

func (i *Instrumented) TellStatus(ctx context.Context, id string) (*Status, error) {
	var st *Status

	err := i.telemetry.InstrumentEngineOperation(ctx, i.name, "tell_status", func(ctx context.Context) error {
		var err error

		st, err = i.engine.TellStatus(ctx, id)

		return err
	})

	return st, err
}

func (i *Instrumented) GetFiles(ctx context.Context, id string) ([]File, error) {
	var files []File

	err := i.telemetry.InstrumentEngineOperation(ctx, i.name, "get_files", func(ctx context.Context) error {
		var err error

		files, err = i.engine.GetFiles(ctx, id)

		return err
	})

	return files, err
}

func (i *Instrumented) GetFileSize(ctx context.Context, id string) (int64, error) {
	var size int64

	err := i.telemetry.InstrumentEngineOperation(ctx, i.name, "get_file_size", func(ctx context.Context) error {
		var err error

		size, err = i.engine.GetFileSize(ctx, id)

		return err
	})

	return size, err
}

func (i *Instrumented) IsMetadataOnly(ctx context.Context, id string) (bool, string, error) {
	var (
		meta       bool
		followedBy string
	)

	err := i.telemetry.InstrumentEngineOperation(ctx, i.name, "is_metadata_only", func(ctx context.Context) error {
		var err error

		meta, followedBy, err = i.engine.IsMetadataOnly(ctx, id)

		return err
	})

	return meta, followedBy, err
}

func (i *Instrumented) ErrorMessage(ctx context.Context, id string) (string, error) {
	var msg string

	err := i.telemetry.InstrumentEngineOperation(ctx, i.name, "error_message", func(ctx context.Context) error {
		var err error

		msg, err = i.engine.ErrorMessage(ctx, id)

		return err
	})

	return msg, err
}

func (i *Instrumented) Remove(ctx context.Context, id string) error {
	return i.telemetry.InstrumentEngineOperation(ctx, i.name, "remove", func(ctx context.Context) error {
		return i.engine.Remove(ctx, id)
	})
}

func (i *Instrumented) Events() <-chan Event {
	return i.engine.Events()
}

func (i *Instrumented) Run(ctx context.Context) error {
	return i.engine.Run(ctx)
}
