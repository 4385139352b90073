package config

const redacted = "***"

// RedactedConfig returns a copy of cfg with secrets replaced by "***",
// suitable for logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Server.APIKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.URL)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Settlement.PrivateKey)
	redact(&out.Settlement.KeyPassword)

	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Scheduler.Modes = cloneStrings(cfg.Scheduler.Modes)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
