package eventnet

import (
	"errors"
	"fmt"

	"github.com/raskyld/eventnet/pkg/wire"
)

var (
	ErrInvalidArgument    = errors.New("eventnet: invalid argument")
	ErrNoSuchSubscription = errors.New("eventnet: no such subscription")
	ErrClosed             = errors.New("eventnet: network is closed")
	ErrNotInitialized     = fmt.Errorf("%w: shared network is not initialized", ErrClosed)
	ErrAlreadyInitialized = errors.New("eventnet: shared network is already initialized")

	ErrInvalidCfg = errors.New("eventnet: invalid options")

	ErrNetworkUnavailable = errors.New("transport: network unavailable")
	ErrBufferSize         = errors.New("transport: could not allocate udp buffer")
	ErrInvalidAddr        = errors.New("transport: the IP you provided is invalid")
	ErrUdpNotAvailable    = errors.New("transport: UDP listener not available")
	ErrShutdown           = errors.New("transport: shutting down")

	ErrResolve = errors.New("membership: could not resolve peers")

	// ErrProtocolDecode is returned for datagrams we cannot make sense of.
	ErrProtocolDecode = wire.ErrProtocolDecode
)

// InvalidArgumentError names the parameter a call was rejected for.
type InvalidArgumentError struct {
	Param  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidArgument, e.Param, e.Reason)
}

func (e *InvalidArgumentError) Is(target error) bool {
	return target == ErrInvalidArgument
}

func invalidArg(param, reason string) error {
	return &InvalidArgumentError{Param: param, Reason: reason}
}
