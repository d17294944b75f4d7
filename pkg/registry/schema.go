package registry

// moduleSchema is the CUE schema every module document (built-in and
// overlay) must satisfy before being decoded. Keeping the constraint here
// means a typo in a category or severity fails at load with a CUE error
// naming the field, not deep in a run.
const moduleSchema = `
#Step: {
	description: string & !=""
	command:     string & !=""
	undo?:       string
	elevated?:   bool
	category:    "package" | "file" | "directory" | "symlink" | "service" | "config" | "command"
	severity:    "low" | "medium" | "high" | "critical"
	files_affected?: [...string]
	fetch_ref?: string
}

#Module: {
	id:       =~"^[a-z][a-z0-9_]*$"
	category: "system" | "shell" | "runtime" | "cli" | "agent" | "cloud"
	phase:    string & !=""
	dependencies?: [...string]
	tags?: [...string]
	default_enabled: bool
	steps: [...#Step]
}

modules: [...#Module]
`
