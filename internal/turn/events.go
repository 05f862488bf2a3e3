package turn

// event is anything processed by the coordinator loop. Capability events
// carry the epoch of the operation that produced them so late deliveries
// can be dropped.
type event interface{ isEvent() }

type (
	startEvent        struct{}
	stopEvent         struct{}
	restartEvent      struct{}
	submitEvent       struct{ text string }
	configureEvent    struct{ cfg Config }
	clearHistoryEvent struct{}

	recognizerStartEvent   struct{ epoch uint64 }
	recognizerInterimEvent struct {
		epoch uint64
		text  string
	}
	recognizerFinalEvent struct {
		epoch uint64
		text  string
	}
	recognizerErrorEvent struct {
		epoch uint64
		kind  ErrorKind
	}
	recognizerEndEvent struct{ epoch uint64 }

	silenceEvent struct{ gen uint64 }

	replyEvent struct {
		epoch uint64
		text  string
		err   error
	}

	speechStartEvent struct{ epoch uint64 }
	speechEndEvent   struct {
		epoch uint64
		err   error
	}
)

func (startEvent) isEvent()             {}
func (stopEvent) isEvent()              {}
func (restartEvent) isEvent()           {}
func (submitEvent) isEvent()            {}
func (configureEvent) isEvent()         {}
func (clearHistoryEvent) isEvent()      {}
func (recognizerStartEvent) isEvent()   {}
func (recognizerInterimEvent) isEvent() {}
func (recognizerFinalEvent) isEvent()   {}
func (recognizerErrorEvent) isEvent()   {}
func (recognizerEndEvent) isEvent()     {}
func (silenceEvent) isEvent()           {}
func (replyEvent) isEvent()             {}
func (speechStartEvent) isEvent()       {}
func (speechEndEvent) isEvent()         {}
