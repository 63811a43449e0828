package grbl

// Grbl `$` system commands used by the engine.
const (
	SystemCommandViewSettings      = "$$"
	SystemCommandViewBuildInfo     = "$I"
	SystemCommandViewParameters    = "$#"
	SystemCommandViewParserState   = "$G"
	SystemCommandKillAlarmLock     = "$X"
	SystemCommandRunHomingCycle    = "$H"
	SystemCommandJogPrefix         = "$J="
	SystemCommandCheckGcodeMode    = "$C"
	SystemCommandViewStartupBlocks = "$N"
)
