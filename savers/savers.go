// Package savers holds the built-in savers. A saver consumes the results
// parsed for its target and merges them into the snapshot store found in
// its context; DBSink puts it there.
package savers

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/teeflow/internal/runtime/codecs"
	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	"github.com/drblury/teeflow/internal/runtime/pipeline"
	"github.com/drblury/teeflow/parsers"
	"github.com/drblury/teeflow/store"
)

// ErrNoStore is returned by savers invoked without a store in their context.
var ErrNoStore = errors.New("teeflow: saver has no store")

// Register adds every built-in saver to r.
func Register(r *handlers.Registry) error {
	for _, err := range []error{
		r.Register("save_pose", SavePose),
		r.Register("save_feelings", SaveFeelings),
		r.RegisterSaver("ColorImageSaver", SnapshotSaver{Field: "color_image"}),
		r.RegisterSaver("DepthImageSaver", SnapshotSaver{Field: "depth_image"}),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Registry returns a saver registry holding the built-in savers.
func Registry(opts ...handlers.RegistryOption) *handlers.Registry {
	r := handlers.NewSaverRegistry(opts...)
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

// DBSink returns the sink half of a saver tee: every message is handed to
// the saver with w in its context and nothing is forwarded.
func DBSink(w store.Writer) *pipeline.Sink {
	return &pipeline.Sink{
		Inject: func(ctx context.Context) context.Context {
			return store.NewContext(ctx, w)
		},
	}
}

func SavePose(ctx context.Context, in any) (any, error) {
	return nil, save(ctx, in, "pose")
}

func SaveFeelings(ctx context.Context, in any) (any, error) {
	return nil, save(ctx, in, "feelings")
}

// SnapshotSaver stores any parsed result under Field.
type SnapshotSaver struct {
	Field string
}

func (s SnapshotSaver) Save(ctx context.Context, in any) error {
	return save(ctx, in, s.Field)
}

func save(ctx context.Context, in any, field string) error {
	w, ok := store.FromContext(ctx)
	if !ok {
		return ErrNoStore
	}
	res, err := codecs.Convert[parsers.Result](in)
	if err != nil {
		return errspkg.Unprocessable(fmt.Errorf("parsed %s result: %w", field, err))
	}
	if res.Result == nil {
		return errspkg.Unprocessable(fmt.Errorf("parsed %s result is empty", field))
	}
	return w.UpdateSnapshot(ctx, res.User, res.Timestamp, field, res.Result)
}
