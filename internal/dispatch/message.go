package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/missiond/internal/persistence"
)

const (
	SessionChannel       = "mission-control"
	sessionIDPrefix      = "mission-control-"
	sessionKeyPrefix     = "agent:main:"
	completionMarker     = "TASK_COMPLETE:"
	defaultPriorityBadge = "⚪"
)

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	nonSlugCharRun = regexp.MustCompile(`[^a-z0-9]+`)
)

var priorityBadges = map[persistence.Priority]string{
	persistence.PriorityLow:    "\U0001F535",
	persistence.PriorityNormal: "⚪",
	persistence.PriorityHigh:   "\U0001F7E1",
	persistence.PriorityUrgent: "\U0001F534",
}

// PriorityBadge returns the colored marker shown at the top of a message.
func PriorityBadge(p persistence.Priority) string {
	if b, ok := priorityBadges[p]; ok {
		return b
	}
	return defaultPriorityBadge
}

// SessionExternalID derives the Gateway session id for an agent name:
// lowercased, whitespace runs replaced by a single dash.
func SessionExternalID(agentName string) string {
	return sessionIDPrefix + whitespaceRun.ReplaceAllString(strings.ToLower(agentName), "-")
}

// SessionKey addresses a session in chat.send.
func SessionKey(externalID string) string {
	return sessionKeyPrefix + externalID
}

// TitleSlug lowercases s, collapses every non-alphanumeric run into a dash
// and trims leading and trailing dashes.
func TitleSlug(s string) string {
	slug := nonSlugCharRun.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(slug, "-")
}

// OutputDir is where the agent is told to save deliverables.
func OutputDir(projectsPath, title string) string {
	return strings.TrimRight(projectsPath, "/") + "/" + TitleSlug(title)
}

type MessageParams struct {
	Task            persistence.Task
	ProjectsPath    string
	BaseURL         string
	CoordinatorName string
}

// BuildMessage renders the hand-off text sent to the agent, including the
// callback contract the agent must follow when it is done.
func BuildMessage(p MessageParams) string {
	t := p.Task
	dir := OutputDir(p.ProjectsPath, t.Title)
	base := strings.TrimRight(p.BaseURL, "/")
	coordinator := p.CoordinatorName
	if coordinator == "" {
		coordinator = "Charlie"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s **NEW TASK ASSIGNED**\n\n", PriorityBadge(t.Priority))
	fmt.Fprintf(&b, "**Title:** %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "**Description:** %s\n", t.Description)
	}
	fmt.Fprintf(&b, "\n**Priority:** %s\n", strings.ToUpper(string(t.Priority)))
	if t.DueDate != "" {
		fmt.Fprintf(&b, "**Due:** %s\n", t.DueDate)
	}
	fmt.Fprintf(&b, "\n**Task ID:** %s\n\n", t.ID)
	fmt.Fprintf(&b, "**OUTPUT DIRECTORY:** %s\n", dir)
	b.WriteString("Create this directory and save all deliverables there.\n\n")
	b.WriteString("**IMPORTANT:** After completing work, you MUST call these APIs:\n")
	fmt.Fprintf(&b, "1. Log activity: POST %s/api/tasks/%s/activities\n", base, t.ID)
	b.WriteString("   Body: {\"activity_type\": \"completed\", \"message\": \"Description of what was done\"}\n")
	fmt.Fprintf(&b, "2. Register deliverable: POST %s/api/tasks/%s/deliverables\n", base, t.ID)
	fmt.Fprintf(&b, "   Body: {\"deliverable_type\": \"file\", \"title\": \"File name\", \"path\": \"%s/filename.html\"}\n", dir)
	fmt.Fprintf(&b, "3. Update status: PATCH %s/api/tasks/%s\n", base, t.ID)
	b.WriteString("   Body: {\"status\": \"review\"}\n\n")
	b.WriteString("When complete, reply with:\n")
	fmt.Fprintf(&b, "`%s [brief summary of what you did]`\n\n", completionMarker)
	fmt.Fprintf(&b, "If you need help or clarification, ask me (%s).", coordinator)
	return b.String()
}
