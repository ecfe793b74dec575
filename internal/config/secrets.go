package config

// Redacted returns a copy of c with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or serving the active
// configuration so secrets are never exposed.
func (c *Config) Redacted() Config {
	out := *c

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	redact(&out.API.Key)
	redact(&out.API.Secret)
	redact(&out.API.Passphrase)

	redact(&out.Postgres.DSN)
	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Engine.Assets = append([]string(nil), c.Engine.Assets...)
	out.Notify.Events = append([]string(nil), c.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	if c.Fees.VenueBps != nil {
		out.Fees.VenueBps = make(map[string]float64, len(c.Fees.VenueBps))
		for k, v := range c.Fees.VenueBps {
			out.Fees.VenueBps[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
