package change

import "fmt"

// InitialCheckPoint is the cursor of a document that has exchanged nothing.
var InitialCheckPoint = NewCheckPoint(0, 0)

// CheckPoint marks how much history a client and the service have exchanged:
// serverSeq is the last remote change the client received, clientSeq the
// last local change the service acknowledged.
type CheckPoint struct {
	serverSeq int64
	clientSeq uint32
}

// NewCheckPoint creates a CheckPoint.
func NewCheckPoint(serverSeq int64, clientSeq uint32) CheckPoint {
	return CheckPoint{serverSeq: serverSeq, clientSeq: clientSeq}
}

func (cp CheckPoint) ServerSeq() int64 { return cp.serverSeq }
func (cp CheckPoint) ClientSeq() uint32 { return cp.clientSeq }

// IncreaseClientSeq advances clientSeq by inc.
func (cp CheckPoint) IncreaseClientSeq(inc uint32) CheckPoint {
	if inc == 0 {
		return cp
	}
	return NewCheckPoint(cp.serverSeq, cp.clientSeq+inc)
}

// SyncClientSeq raises clientSeq to clientSeq if it is larger.
func (cp CheckPoint) SyncClientSeq(clientSeq uint32) CheckPoint {
	if cp.clientSeq >= clientSeq {
		return cp
	}
	return NewCheckPoint(cp.serverSeq, clientSeq)
}

// NextServerSeq raises serverSeq to serverSeq if it is larger.
func (cp CheckPoint) NextServerSeq(serverSeq int64) CheckPoint {
	if cp.serverSeq >= serverSeq {
		return cp
	}
	return NewCheckPoint(serverSeq, cp.clientSeq)
}

// Forward returns the pointwise maximum of both checkpoints. It never
// regresses either field.
func (cp CheckPoint) Forward(other CheckPoint) CheckPoint {
	if cp == other {
		return cp
	}
	return NewCheckPoint(max(cp.serverSeq, other.serverSeq), max(cp.clientSeq, other.clientSeq))
}

// Equals reports whether both fields match.
func (cp CheckPoint) Equals(other CheckPoint) bool {
	return cp == other
}

func (cp CheckPoint) String() string {
	return fmt.Sprintf("serverSeq=%d, clientSeq=%d", cp.serverSeq, cp.clientSeq)
}
