package keys

// Verdict es el resultado operador-visible de una corrida de rotación o
// revocación. DEGRADED_SAFE es exclusivo de revocación: la privada ya no
// existe (no hay forjas nuevas posibles) pero la limpieza pública quedó
// incompleta.
type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictRolledBack   Verdict = "ROLLED_BACK"
	VerdictFailed       Verdict = "FAILED"
	VerdictDegradedSafe Verdict = "DEGRADED_SAFE"
)

// StepTrace es una entrada del trace de auditoría: cada paso loguea su
// elapsed para el postmortem.
type StepTrace struct {
	Name      string `json:"name"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Err       string `json:"err,omitempty"`
}
