package executor

import (
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// Ids are derived from idempotency keys so a resubmitted batch, or one whose
// publish was cut short, resolves to the same batch and job ids.
var idNamespace = uuid.MustParse("5b0c2a55-3f7e-4c61-9d2e-8a1f6c0d4e27")

// BatchIDFor returns the batch id for a batch idempotency key.
func BatchIDFor(batchKey string) string {
	return uuid.NewSHA1(idNamespace, []byte("batch:"+batchKey)).String()
}

// JobIDFor returns the job id for a job idempotency key.
func JobIDFor(jobKey string) string {
	return uuid.NewSHA1(idNamespace, []byte("job:"+jobKey)).String()
}

// encodeKey maps an arbitrary idempotency key onto the KV key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// subjectToken turns a concurrency key into a single NATS subject token.
func subjectToken(key string) string {
	if key == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.', r == '*', r == '>', r <= ' ', r == 0x7f:
			return '_'
		}
		return r
	}, key)
}

func runKey(batchID, jobID string) string {
	return batchID + "." + jobID
}
