package runtime

import (
	"fmt"
	"os"
	"strings"

	"github.com/zulandar/trestle/internal/models"
)

// buildEnv assembles the environment for a build command: the process
// environment plus build identity and per-codebase revision variables.
func buildEnv(build *models.Build, rep *models.BuildRequest) []string {
	env := os.Environ()
	env = append(env,
		"TRESTLE_BUILDER="+build.BuilderName,
		fmt.Sprintf("TRESTLE_BUILD_NUMBER=%d", build.Number),
		fmt.Sprintf("TRESTLE_BUILD_REQUEST=%d", rep.ID),
		"TRESTLE_REASON="+rep.Buildset.Reason,
	)
	for codebase, stamp := range models.StampSetOf(rep.Buildset.SourceStamps) {
		suffix := envSuffix(codebase)
		env = append(env,
			"TRESTLE_REVISION"+suffix+"="+stamp.Revision,
			"TRESTLE_BRANCH"+suffix+"="+stamp.Branch,
			"TRESTLE_REPOSITORY"+suffix+"="+stamp.Repository,
		)
	}
	return env
}

// envSuffix turns a codebase name into an environment variable suffix:
// "" for the default codebase, "_NAME" otherwise.
func envSuffix(codebase string) string {
	if codebase == "" {
		return ""
	}
	upper := strings.ToUpper(codebase)
	upper = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return "_" + upper
}
