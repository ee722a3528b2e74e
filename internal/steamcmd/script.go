package steamcmd

import "fmt"

// LoginCredentials are the steamcmd login directives, spec.md §6.
type LoginCredentials struct {
	Anonymous bool
	Username  string
	Password  string
}

// BuildScript assembles the non-interactive directive list of spec.md
// §4.5.2: set install dir, login, app_update (with optional validate),
// quit.
func BuildScript(installDir, appID string, creds LoginCredentials, validate bool) []string {
	lines := []string{
		fmt.Sprintf("force_install_dir %s", installDir),
	}
	if creds.Anonymous {
		lines = append(lines, "login anonymous")
	} else {
		lines = append(lines, fmt.Sprintf("login %s %s", creds.Username, creds.Password))
	}
	update := fmt.Sprintf("app_update %s", appID)
	if validate {
		update += " validate"
	}
	lines = append(lines, update, "quit")
	return lines
}
