package workflow

// Supervisor routes work between the team members.
const Supervisor = "supervisor"

// Team member names.
const (
	Researcher  = "researcher"
	Coder       = "coder"
	FileManager = "file_manager"
	Browser     = "browser"
)

// TeamMembers is the team-member registry passed to the graph as a constant.
var TeamMembers = []string{Researcher, Coder, FileManager, Browser}

// IsAgent reports whether name is the supervisor or a team member.
func IsAgent(name string) bool {
	switch name {
	case Supervisor, Researcher, Coder, FileManager, Browser:
		return true
	default:
		return false
	}
}
