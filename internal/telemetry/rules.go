// Package telemetry turns raw build/runtime telemetry into structured state:
// stage progress inferred from log text, derived network rates, bounded chart
// series and a pausable, de-duplicated log window.
//
// Nothing in this package is safe for concurrent use; each value is owned by
// a single deployment.Deployment which serializes access.
package telemetry

import (
	"regexp"
	"strconv"
	"strings"

	"deploywatch/internal/models"
)

// Rule is one row of the classification table. A rule matches when every
// criterion it sets is satisfied. Substring lists are lowercase and matched
// against the lowercased line.
type Rule struct {
	Name   string
	Stage  models.StageName
	Status models.StageStatus

	// Terminal rules conclude the whole attempt regardless of stage rules.
	Terminal bool
	// Generic rules mark a failure whose stage must be attributed by the caller.
	Generic bool

	Any     []string
	Also    []string
	Pattern *regexp.Regexp
	Check   func(lower string) bool
}

func (r Rule) matches(lower string) bool {
	if len(r.Any) == 0 && len(r.Also) == 0 && r.Pattern == nil && r.Check == nil {
		return false
	}
	if len(r.Any) > 0 && !containsAny(lower, r.Any) {
		return false
	}
	if len(r.Also) > 0 && !containsAny(lower, r.Also) {
		return false
	}
	if r.Pattern != nil && !r.Pattern.MatchString(lower) {
		return false
	}
	if r.Check != nil && !r.Check(lower) {
		return false
	}
	return true
}

var (
	buildStepRe    = regexp.MustCompile(`^#\d+\s+\[`)
	finalStepRe    = regexp.MustCompile(`\[(\d+)/(\d+)\]`)
	runningCtrRe   = regexp.MustCompile(`\bcontainer\b.*\bis running\b`)
	networkDupRe   = regexp.MustCompile(`\bnetwork\b.*\balready exists\b`)
	failureWordRe  = regexp.MustCompile(`\b(error|failed|failure)\b`)
	// pipelineFailRe also accepts plurals after "with", as in "finished with errors".
	pipelineFailRe = regexp.MustCompile(`\bwith (errors?|failures?)\b|\b(error|failed|failure)\b`)
)

// finalStepDone matches "[5/5] ... done" style lines where the step counter
// reached its total.
func finalStepDone(lower string) bool {
	m := finalStepRe.FindStringSubmatch(lower)
	if len(m) != 3 || !strings.Contains(lower, "done") {
		return false
	}
	cur, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	return err1 == nil && err2 == nil && total > 0 && cur == total
}

// DefaultRules returns the ordered classification table. First match wins.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "finished-success", Stage: models.StageDeploy, Status: models.StageSuccess, Terminal: true,
			Any: []string{"finished: success"}},
		{Name: "finished-failure", Stage: models.StageDeploy, Status: models.StageFailed, Terminal: true,
			Any: []string{"finished: failure"}},

		{Name: "clone-success", Stage: models.StageClone, Status: models.StageSuccess,
			Any: []string{"dockerfile created", "dockerfile generated", "generated dockerfile", "build descriptor created"}},
		{Name: "clone-start", Stage: models.StageClone, Status: models.StageRunning,
			Any: []string{"cloning into", "git clone"}},

		{Name: "build-success", Stage: models.StageBuild, Status: models.StageSuccess,
			Any: []string{"exporting to image", "exporting layers", "exporting manifest", "successfully built"}},
		{Name: "build-final-step", Stage: models.StageBuild, Status: models.StageSuccess,
			Check: finalStepDone},
		{Name: "build-start", Stage: models.StageBuild, Status: models.StageRunning,
			Any: []string{"building with"}},
		{Name: "build-step", Stage: models.StageBuild, Status: models.StageRunning,
			Pattern: buildStepRe},

		{Name: "push-success", Stage: models.StagePush, Status: models.StageSuccess,
			Any: []string{"naming to"}, Also: []string{"done", "pushed", "complete", "success"}},
		{Name: "push-start", Stage: models.StagePush, Status: models.StageRunning,
			Any: []string{"naming to"}},

		{Name: "pipeline-finished-failure", Status: models.StageFailed, Generic: true,
			Any: []string{"pipeline finished"}, Pattern: pipelineFailRe},
		{Name: "deploy-success", Stage: models.StageDeploy, Status: models.StageSuccess,
			Any: []string{"pipeline finished"}, Check: func(lower string) bool { return !pipelineFailRe.MatchString(lower) }},
		{Name: "deploy-container-running", Stage: models.StageDeploy, Status: models.StageSuccess,
			Pattern: runningCtrRe},
		{Name: "deploy-network-exists", Stage: models.StageDeploy, Status: models.StageRunning,
			Pattern: networkDupRe},
		{Name: "deploy-start", Stage: models.StageDeploy, Status: models.StageRunning,
			Any: []string{"no such container"}},

		{Name: "generic-failure", Status: models.StageFailed, Generic: true,
			Pattern: failureWordRe},
	}
}

type stageVocabulary struct {
	stage models.StageName
	words []string
}

// vocabulary is consulted in stage order to attribute generic failures.
var vocabulary = []stageVocabulary{
	{models.StageClone, []string{"clone", "cloning", "git", "repository", "checkout"}},
	{models.StageBuild, []string{"build", "dockerfile", "compile", "layer", "solve", "step"}},
	{models.StagePush, []string{"push", "registry", "naming to", "upload", "manifest"}},
	{models.StageDeploy, []string{"deploy", "container", "network", "health", "port"}},
}

// KeywordStage guesses which stage a line talks about from its vocabulary.
// Returns "" when no stage vocabulary appears.
func KeywordStage(line string) models.StageName {
	lower := strings.ToLower(line)
	for _, v := range vocabulary {
		if containsAny(lower, v.words) {
			return v.stage
		}
	}
	return ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
