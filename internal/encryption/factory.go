package encryption

import (
	"fmt"

	"dircopy-go/internal/config"
	"dircopy-go/internal/dc"
)

// NewSealerFromConfig creates a Sealer based on the configuration type.
func NewSealerFromConfig(cfg config.EncryptionConfig) (dc.Sealer, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeSealer(cfg), nil
	case "test":
		return NewTestSealer(), nil
	case "none":
		return PlainSealer{}, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}

// SealerForType returns the sealer that opens keys recorded under typ,
// which may differ from the configured one after a configuration change.
func SealerForType(cfg config.EncryptionConfig, typ string) (dc.Sealer, error) {
	cfg.Type = typ
	return NewSealerFromConfig(cfg)
}
