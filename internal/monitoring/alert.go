package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert raises an operator alert (logged for now)
func Alert(message string, labels map[string]interface{}) {
	log.Error().
		Str("alert", message).
		Fields(labels).
		Msg("ALERT: Integration isolation issue detected")
}
