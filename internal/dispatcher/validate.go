package dispatcher

import (
	"regexp"
	"strings"
)

// broadcastTokens are names that look like an attempt to address every
// agent at once rather than a single registered identity.
var broadcastTokens = map[string]bool{
	"all": true, "everyone": true, "broadcast": true, "*": true,
	"all-agents": true, "everybody": true,
}

// programNames are known coding-agent program identifiers — valid as the
// `program` field of register_agent, never as the agent `name`.
var programNames = map[string]bool{
	"codex-cli": true, "codex": true, "claude-code": true, "claude": true,
	"aider": true, "cursor": true, "cline": true, "copilot": true,
	"windsurf": true, "continue": true, "codebuff": true,
}

// modelNamePatterns match common model-identifier shapes — valid as the
// `model` field, never as the agent `name`.
var modelNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^gpt-\d`),
	regexp.MustCompile(`(?i)^claude-`),
	regexp.MustCompile(`(?i)^gemini-`),
	regexp.MustCompile(`(?i)^o\d(-mini)?$`),
	regexp.MustCompile(`(?i)^sonnet(-|$)`),
	regexp.MustCompile(`(?i)^opus(-|$)`),
	regexp.MustCompile(`(?i)^haiku(-|$)`),
	regexp.MustCompile(`(?i)^llama-?\d`),
	regexp.MustCompile(`(?i)^deepseek`),
	regexp.MustCompile(`(?i)^grok-?\d`),
}

// unixUsernames is the fixed catalogue of Unix usernames (spec.md §8
// scenario 1) most likely to leak in via a misconfigured $USER.
var unixUsernames = map[string]bool{
	"root": true, "ubuntu": true, "admin": true, "administrator": true,
	"ec2-user": true, "debian": true, "centos": true, "deploy": true,
	"vagrant": true, "runner": true, "jenkins": true, "www-data": true,
	"nobody": true, "daemon": true, "user": true,
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// descriptiveWords flag names that describe a role or function ("the-
// reviewer", "backend_agent") rather than an adjective+noun identity.
var descriptiveWords = []string{
	"agent", "assistant", "bot", "reviewer", "worker", "helper", "system",
	"service", "task", "the", "my",
}

// IsValidAgentName reports whether name is an exact lexicon AdjectiveNoun
// composition (spec.md §8: "For every generated agent name from
// adjective×noun lexicons: is_valid_agent_name is true").
func IsValidAgentName(name string) bool {
	_, _, ok := splitAdjectiveNoun(name)
	return ok
}

// ValidateAgentName runs the full closed validation catalogue against a
// candidate agent name and returns the matching *ToolError, or nil if name
// is an acceptable AdjectiveNoun identity. Order matters: more specific
// catalogues (Unix usernames, known programs/models, email, broadcast) are
// checked before the generic shape/descriptive-word fallback. An exact
// lexicon composition is accepted before the descriptive-word check, whose
// substring match would otherwise reject names such as "VioletHeron".
func ValidateAgentName(name string) *ToolError {
	lower := toLowerASCII(name)

	if broadcastTokens[lower] {
		return newToolError(KindBroadcastAttempt, false, broadcastMessage(name), nil)
	}

	if unixUsernames[lower] {
		return newToolError(KindUnixUsernameAsAgent, false, unixUsernameMessage(name), nil)
	}

	if programNames[lower] {
		return newToolError(KindProgramNameAsAgent, false, programNameMessage(name), nil)
	}

	for _, re := range modelNamePatterns {
		if re.MatchString(name) {
			return newToolError(KindModelNameAsAgent, false, modelNameMessage(name), nil)
		}
	}

	if emailPattern.MatchString(name) {
		return newToolError(KindEmailAsAgent, false, emailMessage(name), nil)
	}

	if IsValidAgentName(name) {
		return nil
	}

	for _, w := range descriptiveWords {
		if strings.Contains(lower, w) {
			return newToolError(KindDescriptiveName, false, descriptiveNameMessage(name), nil)
		}
	}

	return newToolError(KindInvalidAgentName, false, invalidFormatMessage(name), nil)
}

// The message builders below reproduce, verbatim, the strings fixed by the
// legacy Python reference's parity tests (spec.md §9's Open Question on
// string-fixing scope) — only the offending name is substituted in.

func broadcastMessage(name string) string {
	return "'" + name + "' looks like a broadcast attempt. Agent Mail doesn't support broadcasting to all agents. " +
		"List specific recipient agent names in the 'to' parameter."
}

func unixUsernameMessage(name string) string {
	return "'" + name + "' looks like a Unix username (possibly from $USER environment variable). " +
		"Agent names must be adjective+noun combinations like 'BlueLake' or 'GreenCastle'. " +
		"When you called register_agent, the system likely auto-generated a valid name for you. " +
		"To find your actual agent name, check the response from register_agent or use " +
		"resource://agents/{project_key} to list all registered agents in this project."
}

func programNameMessage(name string) string {
	return "'" + name + "' looks like a program name, not an agent name. " +
		"Agent names must be adjective+noun combinations like 'BlueLake' or 'GreenCastle'. " +
		"Use the 'program' parameter for program names, and omit 'name' to auto-generate a valid agent name."
}

func modelNameMessage(name string) string {
	return "'" + name + "' looks like a model name, not an agent name. " +
		"Agent names must be adjective+noun combinations like 'RedStone' or 'PurpleBear'. " +
		"Use the 'model' parameter for model names, and omit 'name' to auto-generate a valid agent name."
}

func emailMessage(name string) string {
	return "'" + name + "' looks like an email address. Agent names are simple identifiers like 'BlueDog', " +
		"not email addresses. Check the 'to' parameter format."
}

func descriptiveNameMessage(name string) string {
	return "'" + name + "' looks like a descriptive role name. Agent names must be randomly generated " +
		"adjective+noun combinations like 'WhiteMountain' or 'BrownCreek', NOT descriptive of the agent's task. " +
		"Omit the 'name' parameter to auto-generate a valid name."
}

func invalidFormatMessage(name string) string {
	return "Invalid agent name format: '" + name + "'. " +
		"Agent names MUST be randomly generated adjective+noun combinations " +
		"(e.g., 'GreenLake', 'BlueDog'), NOT descriptive names. " +
		"Omit the 'name' parameter to auto-generate a valid name."
}

// projectSlugPattern matches spec.md §3's lowercase [a-z0-9_]{1,20} shape.
var projectSlugPattern = regexp.MustCompile(`^[a-z0-9_]{1,20}$`)

// threadIDPattern matches spec.md §3's thread identifier shape.
var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func ValidThreadID(id string) bool {
	return threadIDPattern.MatchString(id)
}

func ValidProjectSlug(slug string) bool {
	return projectSlugPattern.MatchString(slug)
}
