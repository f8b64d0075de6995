package secrets

// DefaultRules returns detection rules for credentials that commonly leak
// into error messages, code snippets and config diffs. Prefixed token
// formats follow the gitleaks rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key id",
			Pattern:     `\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`,
		},
		{
			ID:          "aws-secret-access-key",
			Description: "AWS secret access key assignment",
			Pattern:     `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
		},
		{
			ID:          "private-key",
			Description: "PEM private key block",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----(?s:.*?)(?:-----END [A-Z ]*PRIVATE KEY(?: BLOCK)?-----|\z)`,
		},
		{
			ID:          "github-token",
			Description: "GitHub personal, OAuth, user or server token",
			Pattern:     `\bgh[pousr]_[A-Za-z0-9]{36}\b`,
		},
		{
			ID:          "github-fine-grained",
			Description: "GitHub fine-grained personal access token",
			Pattern:     `\bgithub_pat_[A-Za-z0-9_]{22,}`,
		},
		{
			ID:          "gitlab-token",
			Description: "GitLab personal access token",
			Pattern:     `\bglpat-[A-Za-z0-9\-_]{20,}`,
		},
		{
			ID:          "slack-token",
			Description: "Slack token",
			Pattern:     `\bxox[abprs]-[A-Za-z0-9\-]{10,}`,
		},
		{
			ID:          "stripe-key",
			Description: "Stripe secret or publishable key",
			Pattern:     `\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`,
		},
		{
			ID:          "google-api-key",
			Description: "Google API key",
			Pattern:     `\bAIza[A-Za-z0-9_\-]{35}`,
		},
		{
			ID:          "llm-api-key",
			Description: "Anthropic or OpenAI API key",
			Pattern:     `\bsk-(?:ant-[A-Za-z0-9_\-]{80,}|proj-[A-Za-z0-9_\-]{40,}|[A-Za-z0-9]{48,})`,
		},
		{
			ID:          "npm-token",
			Description: "npm access token",
			Pattern:     `\bnpm_[A-Za-z0-9]{36}\b`,
		},
		{
			ID:          "sendgrid-api-key",
			Description: "SendGrid API key",
			Pattern:     `\bSG\.[A-Za-z0-9_\-]{22,}\.[A-Za-z0-9_\-]{43,}`,
		},
		{
			ID:          "twilio-api-key",
			Description: "Twilio API key",
			Pattern:     `\bSK[0-9a-fA-F]{32}\b`,
			Keywords:    []string{"twilio"},
		},
		{
			ID:          "jwt",
			Description: "JSON web token",
			Pattern:     `\beyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
		},
		{
			ID:          "connection-url",
			Description: "Connection URL with embedded credentials",
			Pattern:     `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|rediss|amqps?|nats)://[^:/\s@]+:[^@\s]+@[^\s'"]+`,
		},
		{
			ID:          "bearer-token",
			Description: "Bearer token in an authorization header",
			Pattern:     `(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{20,}`,
		},
		{
			ID:          "credential-assignment",
			Description: "Password, secret, token or API key assignment",
			Pattern:     `(?i)\b[A-Za-z0-9_]*(?:password|passwd|pwd|secret|api[_-]?key|apikey|auth[_-]?token|access[_-]?token)\s*[:=]\s*['"]?[^\s'",;]{8,}['"]?`,
		},
	}
}
