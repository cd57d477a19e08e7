package dispatch

import (
	"path/filepath"
	"strings"
)

// ErrorLog is the file in the output directory that receives the job's
// standard error unless the command redirects it itself.
const ErrorLog = "error.log"

// Vars are the values substituted into a command template. They must
// already be shell-safe; parameters are quoted when they are resolved.
type Vars struct {
	Parameters      string
	InputDirectory  string
	OutputDirectory string
	StatusFile      string
	DataFile        string
	User            string
	Project         string
	AccessToken     string
}

func (v Vars) replacer() *strings.Replacer {
	// Longer placeholders first, so no placeholder is a prefix of an earlier
	// one.
	return strings.NewReplacer(
		"$OAUTH_ACCESS_TOKEN", v.AccessToken,
		"$OUTPUTDIRECTORY", v.OutputDirectory,
		"$INPUTDIRECTORY", v.InputDirectory,
		"$PARAMETERS", v.Parameters,
		"$STATUSFILE", v.StatusFile,
		"$DATAFILE", v.DataFile,
		"$USERNAME", v.User,
		"$PROJECT", v.Project,
	)
}

// Expand substitutes the placeholders of template without adding a
// redirection.
func Expand(template string, v Vars) string {
	return v.replacer().Replace(template)
}

// BuildCommand expands template and, when it does not redirect standard
// error already, appends a redirection to ErrorLog in the output directory.
func BuildCommand(template string, v Vars) string {
	cmd := Expand(template, v)

	if !strings.Contains(template, "2>") {
		cmd += " 2> " + filepath.Join(v.OutputDirectory, ErrorLog)
	}

	return cmd
}

// ProjectVars returns the directory placeholders of a project rooted at
// dir. Directories carry a trailing slash so templates can append names.
func ProjectVars(dir string) Vars {
	return Vars{
		InputDirectory:  filepath.Join(dir, "input") + "/",
		OutputDirectory: filepath.Join(dir, "output") + "/",
		StatusFile:      filepath.Join(dir, ".status"),
		DataFile:        filepath.Join(dir, "clam.xml"),
	}
}
