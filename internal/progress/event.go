package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the pipeline milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageStatus     Stage = "STATUS"
	StageScan       Stage = "SCAN"
	StageEnqueue    Stage = "ENQUEUE"
	StageDownloaded Stage = "DOWNLOADED"
	StageFailed     Stage = "FAILED"
	StageAlbum      Stage = "ALBUM"
	StageAck        Stage = "ACK"
	StageHashed     Stage = "HASHED"
	StageMerged     Stage = "MERGED"
)

// Event captures a single pipeline milestone.
type Event struct {
	// RunID identifies one harvester run using the 16-byte UUID form.
	RunID [16]byte `json:"-"`
	// TS is the UTC timestamp recorded by the emitter.
	TS        time.Time `json:"ts"`
	Stage     Stage     `json:"stage"`
	Component string    `json:"component"`
	// URL is the address being worked on, if any.
	URL     string `json:"url,omitempty"`
	File    string `json:"file,omitempty"`
	Handler string `json:"handler,omitempty"`
	Percent int    `json:"percent,omitempty"`
	// Note carries low-volume context such as a failure reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Component == "" {
		return errors.New("component is required")
	}
	switch e.Stage {
	case StageStatus, StageScan, StageEnqueue, StageAck, StageAlbum, StageHashed, StageMerged:
	case StageDownloaded:
		if e.File == "" {
			return errors.New("downloaded event requires file")
		}
	case StageFailed:
		if e.Note == "" {
			return errors.New("failed event requires a reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return fmt.Errorf("percent %d out of range", e.Percent)
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
