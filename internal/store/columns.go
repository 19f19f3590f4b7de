package store

// Column names referenced by the query CLI's predicates, expressed as
// compile-time constants rather than a runtime singleton object — the Go
// re-expression of the original's QueryColumns Meyer's-singleton of
// interned strings (spec DESIGN NOTES §9, "Singletons").
const (
	ColCmdID         = "cmd.id"
	ColCmdText       = "cmd.txt"
	ColCmdWorkingDir = "cmd.workingDirectory"
	ColCmdStartTime  = "cmd.startTime"
	ColCmdEndTime    = "cmd.endTime"
	ColCmdReturnVal  = "cmd.returnVal"
	ColCmdSessionID  = "cmd.sessionId"
	ColCmdEnvID      = "cmd.envId"

	ColEnvID       = "env.id"
	ColEnvHostname = "env.hostname"
	ColEnvUsername = "env.username"

	ColSessionID      = "session.id"
	ColSessionComment = "session.comment"

	ColWrittenFileID    = "writtenFile.id"
	ColWrittenFileCmdID = "writtenFile.cmdId"
	ColWrittenFileName  = "writtenFile.name"
	ColWrittenFilePath  = "writtenFile.path"
	ColWrittenFileSize  = "writtenFile.size"
	ColWrittenFileMtime = "writtenFile.mtime"
	ColWrittenFileHash  = "writtenFile.hash"

	ColReadFileID    = "readFile.id"
	ColReadFileCmdID = "readFile.cmdId"
	ColReadFileName  = "readFile.name"
	ColReadFilePath  = "readFile.path"
	ColReadFileSize  = "readFile.size"
	ColReadFileMtime = "readFile.mtime"
)
