package config

import (
	"fmt"
	"os"
	"strings"
)

// Environment variable names for secrets. Secrets stay out of the TOML
// file so configs can be committed.
const (
	EnvCallLogClientID     = "CALLLOG_CLIENT_ID"
	EnvCallLogClientSecret = "CALLLOG_CLIENT_SECRET"
	EnvCallLogJWT          = "CALLLOG_JWT"
	EnvAPIKeyPrefix        = "TRANSCRIBE_API_KEY_"
	EnvAPIKeyList          = "TRANSCRIBE_API_KEYS"
)

// Credentials holds every secret sourced from the environment.
type Credentials struct {
	CallLogClientID     string
	CallLogClientSecret string
	CallLogJWT          string
	TranscriptionKeys   []string
}

// LoadCredentials reads secrets from the environment. Transcription keys
// are numbered TRANSCRIBE_API_KEY_1, TRANSCRIBE_API_KEY_2, ... with a
// comma-separated TRANSCRIBE_API_KEYS fallback. Pool order follows the
// numbering.
func LoadCredentials() (*Credentials, error) {
	creds := &Credentials{
		CallLogClientID:     os.Getenv(EnvCallLogClientID),
		CallLogClientSecret: os.Getenv(EnvCallLogClientSecret),
		CallLogJWT:          os.Getenv(EnvCallLogJWT),
	}

	for i := 1; ; i++ {
		key := strings.TrimSpace(os.Getenv(fmt.Sprintf("%s%d", EnvAPIKeyPrefix, i)))
		if key == "" {
			break
		}
		creds.TranscriptionKeys = append(creds.TranscriptionKeys, key)
	}

	if len(creds.TranscriptionKeys) == 0 {
		for _, key := range strings.Split(os.Getenv(EnvAPIKeyList), ",") {
			key = strings.TrimSpace(key)
			if key != "" {
				creds.TranscriptionKeys = append(creds.TranscriptionKeys, key)
			}
		}
	}

	if len(creds.TranscriptionKeys) == 0 {
		return nil, fmt.Errorf("no transcription API keys found: set %s1 or %s", EnvAPIKeyPrefix, EnvAPIKeyList)
	}
	if creds.CallLogClientID == "" || creds.CallLogClientSecret == "" || creds.CallLogJWT == "" {
		return nil, fmt.Errorf("missing telephony credentials: %s, %s and %s are required",
			EnvCallLogClientID, EnvCallLogClientSecret, EnvCallLogJWT)
	}

	return creds, nil
}
