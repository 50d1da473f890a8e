// Package parsers holds the built-in snapshot parsers. Each one turns a raw
// Envelope into a Result for its target:
//
//	parse_pose        pose
//	parse_feelings    feelings
//	ColorImageParser  color_image
//	DepthImageParser  depth_image
//	parse_location    location (explicit target)
package parsers

import (
	"context"
	"fmt"

	"github.com/drblury/teeflow/internal/runtime/codecs"
	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
)

// Register adds every built-in parser to r.
func Register(r *handlers.Registry) error {
	for _, err := range []error{
		r.Register("parse_pose", ParsePose),
		r.Register("parse_feelings", ParseFeelings),
		r.RegisterParser("ColorImageParser", ColorImageParser{}),
		r.RegisterParser("DepthImageParser", DepthImageParser{}),
		r.Register("parse_location", ParseLocation, handlers.WithTarget("location")),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Registry returns a parser registry holding the built-in parsers.
func Registry(opts ...handlers.RegistryOption) *handlers.Registry {
	r := handlers.NewParserRegistry(opts...)
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

func envelope(in any) (Envelope, error) {
	env, err := codecs.Convert[Envelope](in)
	if err != nil {
		return Envelope{}, errspkg.Unprocessable(fmt.Errorf("snapshot envelope: %w", err))
	}
	return env, nil
}

func missing(part string) error {
	return errspkg.Unprocessable(fmt.Errorf("snapshot has no %s", part))
}

// ParsePose publishes the pose of the snapshot.
func ParsePose(_ context.Context, in any) (any, error) {
	env, err := envelope(in)
	if err != nil {
		return nil, err
	}
	if env.Snapshot.Pose == nil {
		return nil, missing("pose")
	}
	return Result{User: env.User, Timestamp: env.Snapshot.Datetime, Result: env.Snapshot.Pose}, nil
}

// ParseFeelings publishes the feelings of the snapshot.
func ParseFeelings(_ context.Context, in any) (any, error) {
	env, err := envelope(in)
	if err != nil {
		return nil, err
	}
	if env.Snapshot.Feelings == nil {
		return nil, missing("feelings")
	}
	return Result{User: env.User, Timestamp: env.Snapshot.Datetime, Result: env.Snapshot.Feelings}, nil
}

// ParseLocation publishes only the translation of the pose.
func ParseLocation(_ context.Context, in any) (any, error) {
	env, err := envelope(in)
	if err != nil {
		return nil, err
	}
	if env.Snapshot.Pose == nil {
		return nil, missing("pose")
	}
	return Result{User: env.User, Timestamp: env.Snapshot.Datetime, Result: env.Snapshot.Pose.Translation}, nil
}

// ColorImageParser publishes the dimensions of the color image.
type ColorImageParser struct{}

func (ColorImageParser) Parse(_ context.Context, in any) (any, error) {
	return parseImage(in, "color_image", func(s Snapshot) *Image { return s.ColorImage })
}

// DepthImageParser publishes the dimensions of the depth image.
type DepthImageParser struct{}

func (DepthImageParser) Parse(_ context.Context, in any) (any, error) {
	return parseImage(in, "depth_image", func(s Snapshot) *Image { return s.DepthImage })
}

func parseImage(in any, field string, pick func(Snapshot) *Image) (any, error) {
	env, err := envelope(in)
	if err != nil {
		return nil, err
	}
	img := pick(env.Snapshot)
	if img == nil {
		return nil, missing(field)
	}
	if img.Width < 0 || img.Height < 0 {
		return nil, errspkg.Unprocessable(fmt.Errorf("%s: negative dimensions %dx%d", field, img.Width, img.Height))
	}
	return Result{
		User:      env.User,
		Timestamp: env.Snapshot.Datetime,
		Result:    ImageInfo{Width: img.Width, Height: img.Height, Bytes: len(img.Data)},
	}, nil
}
