package transaction

// State состояние транзакции
type State int

const (
	StateCalling State = iota
	StateTrying
	StateProceeding
	StateCompleted
	StateAccepted
	StateConfirmed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateAccepted:
		return "Accepted"
	case StateConfirmed:
		return "Confirmed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Kind тип транзакции, используется в логах и метриках
type Kind string

const (
	KindICT  Kind = "ict"
	KindNICT Kind = "nict"
	KindIST  Kind = "ist"
	KindNIST Kind = "nist"
)

// Observer получает события транзакций. Реализуется пакетом metrics.
type Observer interface {
	TransactionStarted(kind Kind)
	TransactionTimedOut(kind Kind)
	Retransmitted(method string)
}

type noopObserver struct{}

func (noopObserver) TransactionStarted(Kind)  {}
func (noopObserver) TransactionTimedOut(Kind) {}
func (noopObserver) Retransmitted(string)     {}
