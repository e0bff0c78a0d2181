package generator

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nrednav/cuid2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"

	"github.com/HaoLiu-CQUPT/hybrid-chat/internal/config"
)

// Generator produces message ids. Ids travel in websocket payloads, REST
// paths and media object keys, so every strategy yields URL-safe strings.
type Generator interface {
	Generate() (string, error)
}

// Func adapts a function to Generator.
type Func func() (string, error)

func (f Func) Generate() (string, error) { return f() }

// New builds the message id generator selected by cfg.Strategy.
func New(cfg config.IDConfig) (Generator, error) {
	switch strings.ToLower(cfg.Strategy) {
	case "", "uuid":
		return Random(), nil
	case "snowflake":
		return NewSnowflakeGenerator(cfg.MachineID, cfg.Epoch)
	case "ulid":
		return Func(newULID), nil
	case "ksuid":
		return Func(newKSUID), nil
	case "nanoid":
		return newNanoID(cfg.NanoIDSize, cfg.NanoIDAlphabet)
	case "cuid2":
		return newCUID2(cfg.CUID2Length)
	default:
		return nil, fmt.Errorf("unsupported message id strategy: %s", cfg.Strategy)
	}
}

// TimeOrdered reports whether ids of the strategy sort by creation time.
// History order never depends on it; it only matters to consumers reading
// ids off the event stream.
func TimeOrdered(strategy string) bool {
	switch strings.ToLower(strategy) {
	case "snowflake", "ulid", "ksuid":
		return true
	}
	return false
}

// Random returns the default generator of random UUIDv4 message ids.
func Random() Generator {
	return Func(func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("failed to generate message id: %w", err)
		}
		return id.String(), nil
	})
}

func newULID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}
	return id.String(), nil
}

func newKSUID() (string, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}
	return id.String(), nil
}

// urlUnsafe are characters a nanoid alphabet may not contain.
const urlUnsafe = "/?#%&+ \t\r\n"

func newNanoID(size int, alphabet string) (Generator, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("nanoid size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("nanoid alphabet must have at least 2 characters, got %d", len(alphabet))
	}
	if strings.ContainsAny(alphabet, urlUnsafe) {
		return nil, fmt.Errorf("nanoid alphabet %q contains characters unsafe in message urls", alphabet)
	}
	return Func(func() (string, error) {
		id, err := gonanoid.Generate(alphabet, size)
		if err != nil {
			return "", fmt.Errorf("failed to generate message id: %w", err)
		}
		return id, nil
	}), nil
}

func newCUID2(length int) (Generator, error) {
	if length < 2 || length > 32 {
		return nil, fmt.Errorf("cuid2 length must be between 2 and 32, got %d", length)
	}
	gen, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return nil, fmt.Errorf("failed to init cuid2: %w", err)
	}
	return Func(func() (string, error) { return gen(), nil }), nil
}
