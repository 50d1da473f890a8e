package metadata

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill copies Watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}
	return Metadata(md).Clone()
}

// Stamp writes m onto msg and sets the publish time.
func (m Metadata) Stamp(msg *message.Message, now time.Time) {
	for k, v := range m {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(KeyPublishedAt, now.UTC().Format(time.RFC3339Nano))
}
