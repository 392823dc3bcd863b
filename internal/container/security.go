package container

// SecurityTier is an operator-configurable override of the fixed
// baseline capability set. The baseline (Hardened) is what every session
// gets unless configured otherwise; it is not itself optional.
type SecurityTier string

const (
	TierHardened SecurityTier = "hardened"
	TierModerate SecurityTier = "moderate"
	TierCompat   SecurityTier = "compat"
)

// capDropAll is the drop list passed to every container regardless of
// tier: drop every capability, then add back only what CapAddFor
// grants. This is the idiomatic Docker hardening pattern - an
// enumerated drop list silently keeps whatever it forgets to name.
var capDropAll = []string{"ALL"}

// baselineCapAdd is the fixed add-back set a shell session needs to
// behave like a normal login: CHOWN, DAC_OVERRIDE, FOWNER, SETUID,
// SETGID. No tier grants less than this.
var baselineCapAdd = []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETUID", "SETGID"}

// CapDropFor returns the drop list for a tier. Every tier drops ALL;
// tiers differ only in what CapAddFor grants back.
func CapDropFor(tier SecurityTier) []string {
	return append([]string(nil), capDropAll...)
}

// CapAddFor returns the capability add-back set for a tier. Hardened
// grants exactly the baseline; Moderate additionally permits NET_RAW
// and SETPCAP (for tools that expect to ping or drop their own
// privileges); Compat further permits SYS_PTRACE and SYS_NICE.
func CapAddFor(tier SecurityTier) []string {
	switch tier {
	case TierCompat:
		return append(append([]string(nil), baselineCapAdd...), "NET_RAW", "SETPCAP", "SYS_PTRACE", "SYS_NICE")
	case TierModerate:
		return append(append([]string(nil), baselineCapAdd...), "NET_RAW", "SETPCAP")
	case TierHardened, "":
		return append([]string(nil), baselineCapAdd...)
	default:
		return append([]string(nil), baselineCapAdd...)
	}
}
