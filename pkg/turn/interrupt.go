package turn

import (
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

// InterruptEmitter receives the control frames the manager emits when a
// barge-in wins, typically bridged back into the pipeline by the turn
// processor.
type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}
