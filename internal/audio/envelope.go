package audio

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// EnvelopeVersion is the current chunk envelope version
const EnvelopeVersion = 1

// Encodings recorded in envelope metadata
const (
	EncodingPCM      = "pcm_le"
	EncodingEnvelope = "envelope"
)

// maxEnvelopeDepth bounds recursive unwrapping of nested envelopes
const maxEnvelopeDepth = 4

// EnvelopeMeta describes the audio carried in an envelope
type EnvelopeMeta struct {
	SessionID  string    `json:"session_id,omitempty"`
	Order      int64     `json:"order"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	BitDepth   int       `json:"bit_depth,omitempty"`
	Encoding   string    `json:"encoding"`
}

type envelope struct {
	V    int          `json:"v"`
	Meta EnvelopeMeta `json:"meta"`
	Data []byte       `json:"data"`
}

// Wrap encloses data in a versioned envelope. Set meta.Encoding to
// EncodingEnvelope when data is itself an envelope.
func Wrap(meta EnvelopeMeta, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot wrap empty data")
	}
	if meta.Encoding == "" {
		meta.Encoding = EncodingPCM
	}
	return json.Marshal(envelope{V: EnvelopeVersion, Meta: meta, Data: data})
}

// ChunkAudio returns the raw audio of a chunk. Only chunks flagged as
// enveloped are decoded; raw PCM is returned as is whatever its first bytes are.
func ChunkAudio(c recording.Chunk) ([]byte, *EnvelopeMeta, error) {
	if !c.Enveloped {
		if len(c.Payload) == 0 {
			return nil, nil, fmt.Errorf("%w: empty payload", recording.ErrCorruptPayload)
		}
		return c.Payload, nil, nil
	}
	return Unwrap(c.Payload)
}

// Unwrap decodes an envelope and returns the audio bytes it carries. Nested
// envelopes, marked with EncodingEnvelope, are unwrapped down to the audio.
// Malformed envelopes yield recording.ErrCorruptPayload.
func Unwrap(payload []byte) ([]byte, *EnvelopeMeta, error) {
	if len(payload) == 0 {
		return nil, nil, fmt.Errorf("%w: empty payload", recording.ErrCorruptPayload)
	}

	var outer *EnvelopeMeta
	data := payload
	for depth := 0; ; depth++ {
		if depth == maxEnvelopeDepth {
			return nil, nil, fmt.Errorf("%w: envelopes nested deeper than %d", recording.ErrCorruptPayload, maxEnvelopeDepth)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", recording.ErrCorruptPayload, err)
		}
		if env.V != EnvelopeVersion {
			return nil, nil, fmt.Errorf("%w: unsupported envelope version %d", recording.ErrCorruptPayload, env.V)
		}
		if len(env.Data) == 0 {
			return nil, nil, fmt.Errorf("%w: envelope without data", recording.ErrCorruptPayload)
		}

		if outer == nil {
			meta := env.Meta
			outer = &meta
		}
		data = env.Data

		if env.Meta.Encoding != EncodingEnvelope {
			return data, outer, nil
		}
	}
}
