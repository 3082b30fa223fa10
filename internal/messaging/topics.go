package messaging

// Topic constants for pool messaging
const (
	TopicTemplates   = "mining.templates"   // template producer → poold
	TopicSubmissions = "mining.submissions" // poold → accounting
	TopicSessions    = "mining.sessions"    // poold → accounting
)
