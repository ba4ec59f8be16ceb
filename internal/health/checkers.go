package health

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Database returns a Checker that pings the PostgreSQL pool. A nil pool
// reports healthy; the server then runs on the in-memory store and has no
// database dependency to probe.
func Database(pool *pgxpool.Pool) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if pool == nil {
				return nil
			}
			return pool.Ping(ctx)
		},
	}
}

// Providers returns a Checker that verifies the conversational pipeline has
// all three stages wired. Construction failures surface at startup, so this
// check only guards against partial wiring.
func Providers(sttOK, llmOK, ttsOK bool) Checker {
	return Checker{
		Name: "providers",
		Check: func(context.Context) error {
			switch {
			case !sttOK:
				return errors.New("stt provider not configured")
			case !llmOK:
				return errors.New("llm provider not configured")
			case !ttsOK:
				return errors.New("tts provider not configured")
			}
			return nil
		},
	}
}
