package provider

// statusProbe is a provider's own "am I logged in" command.
type statusProbe struct {
	args []string
	// okMarkers must appear in the output (any of them) when set.
	okMarkers []string
	// failMarkers mean not authenticated even on exit code 0.
	failMarkers []string
}

// credentialFile is a home-relative JSON file holding tokens or keys.
type credentialFile struct {
	path   string
	fields []string
}

// spec is the static description of one variant: where to look for it, how to
// tell whether it is logged in, and how to run it.
type spec struct {
	id          ID
	displayName string

	// binaries are executable names; the first is canonical.
	binaries    []string
	npmPackage  string
	brewFormula string
	scoopApp    string
	// fixedPaths are well-known install locations; "~/" is the home directory.
	fixedPaths []string

	status      *statusProbe
	credentials []credentialFile
	envKeys     []string

	// apiKeyEnv are the variables the API backend reads its key from.
	apiKeyEnv []string
	newChat   chatFactory

	dialect     cliDialect
	supportsMCP bool
	resumable   bool
}

func (s *spec) hasAPI() bool {
	return s.newChat != nil && len(s.apiKeyEnv) > 0
}

func (s *spec) info() Info {
	return Info{
		ID:            s.id,
		DisplayName:   s.displayName,
		Binary:        s.binaries[0],
		SupportsMCP:   s.supportsMCP,
		Resumable:     s.resumable,
		HasAPIBackend: s.hasAPI(),
		Capabilities:  s.capabilities(),
	}
}

// capabilities ORs the catalog flags; CLI dialects always stream.
func (s *spec) capabilities() Capabilities {
	c := Capabilities{Streaming: s.dialect != nil}
	for _, m := range catalogs[s.id] {
		c.SupportsVision = c.SupportsVision || m.SupportsVision
		c.SupportsTools = c.SupportsTools || m.SupportsTools
	}
	return c
}

var loggedInMarkers = []string{"logged in"}
var loggedOutMarkers = []string{"not logged in", "logged out", "unauthenticated"}

// specs is the closed variant set.
var specs = map[ID]*spec{
	Claude: {
		id:          Claude,
		displayName: "Claude Code",
		binaries:    []string{"claude"},
		npmPackage:  "@anthropic-ai/claude-code",
		brewFormula: "claude-code",
		scoopApp:    "claude-code",
		fixedPaths: []string{
			"~/.claude/local/claude",
			"~/.local/bin/claude",
			"/usr/local/bin/claude",
			"/opt/homebrew/bin/claude",
		},
		credentials: []credentialFile{
			{path: "~/.claude/.credentials.json", fields: []string{"accessToken", "refreshToken"}},
			{path: "~/.claude.json", fields: []string{"primaryApiKey", "oauthAccount"}},
		},
		envKeys:     []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
		apiKeyEnv:   []string{"ANTHROPIC_API_KEY"},
		newChat:     newAnthropicChat,
		dialect:     claudeDialect{},
		supportsMCP: true,
		resumable:   true,
	},
	Codex: {
		id:          Codex,
		displayName: "Codex CLI",
		binaries:    []string{"codex"},
		npmPackage:  "@openai/codex",
		brewFormula: "codex",
		scoopApp:    "codex",
		fixedPaths: []string{
			"~/.local/bin/codex",
			"/usr/local/bin/codex",
			"/opt/homebrew/bin/codex",
		},
		status: &statusProbe{
			args:        []string{"login", "status"},
			okMarkers:   loggedInMarkers,
			failMarkers: loggedOutMarkers,
		},
		credentials: []credentialFile{
			{path: "~/.codex/auth.json", fields: []string{"OPENAI_API_KEY", "access_token", "refresh_token"}},
		},
		envKeys:     []string{"OPENAI_API_KEY", "CODEX_API_KEY"},
		apiKeyEnv:   []string{"OPENAI_API_KEY"},
		newChat:     newOpenAIChat,
		dialect:     codexDialect{},
		supportsMCP: true,
		resumable:   true,
	},
	Cursor: {
		id:          Cursor,
		displayName: "Cursor Agent",
		binaries:    []string{"cursor-agent", "agent"},
		fixedPaths: []string{
			"~/.local/bin/cursor-agent",
			"~/.cursor/bin/cursor-agent",
			"/usr/local/bin/cursor-agent",
		},
		status: &statusProbe{
			args:        []string{"status"},
			okMarkers:   loggedInMarkers,
			failMarkers: loggedOutMarkers,
		},
		credentials: []credentialFile{
			{path: "~/.cursor/cli-config.json", fields: []string{"accessToken", "apiKey"}},
			{path: "~/.config/cursor/auth.json", fields: []string{"accessToken", "refreshToken"}},
		},
		envKeys:   []string{"CURSOR_API_KEY"},
		dialect:   cursorDialect{},
		resumable: true,
	},
	OpenCode: {
		id:          OpenCode,
		displayName: "OpenCode",
		binaries:    []string{"opencode"},
		npmPackage:  "opencode-ai",
		brewFormula: "sst/tap/opencode",
		scoopApp:    "opencode",
		fixedPaths: []string{
			"~/.opencode/bin/opencode",
			"~/.local/bin/opencode",
			"/usr/local/bin/opencode",
			"/opt/homebrew/bin/opencode",
		},
		status: &statusProbe{
			args:        []string{"auth", "list"},
			failMarkers: []string{"0 credentials"},
		},
		credentials: []credentialFile{
			{path: "~/.local/share/opencode/auth.json", fields: []string{"key", "access", "refresh"}},
		},
		envKeys:   []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"},
		dialect:   opencodeDialect{},
		resumable: true,
	},
	Gemini: {
		id:          Gemini,
		displayName: "Gemini CLI",
		binaries:    []string{"gemini"},
		npmPackage:  "@google/gemini-cli",
		brewFormula: "gemini-cli",
		fixedPaths: []string{
			"~/.local/bin/gemini",
			"/usr/local/bin/gemini",
			"/opt/homebrew/bin/gemini",
		},
		credentials: []credentialFile{
			{path: "~/.gemini/oauth_creds.json", fields: []string{"access_token", "refresh_token"}},
		},
		envKeys:   []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		apiKeyEnv: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		newChat:   newGenAIChat,
		dialect:   geminiDialect{},
	},
}
