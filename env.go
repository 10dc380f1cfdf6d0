package eventnet

import (
	"log/slog"
	"net/netip"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// DefaultBindInterface is the overlay interface of the container
// platforms the protocol was designed for.
const DefaultBindInterface = "ethwe"

// Environment variables understood by `OptionsFromEnv`.
const (
	EnvHostname               = "HOSTNAME"
	EnvPort                   = "EVENT_NETWORK_PORT"
	EnvBindInterface          = "EVENT_BIND_INTERFACE"
	EnvMulticastAddress       = "MULTICAST_ADDRESS"
	EnvMulticastPort          = "MULTICAST_PORT"
	EnvMulticastBindInterface = "MULTICAST_BIND_INTERFACE"
	EnvMode                   = "EVENTNET_MODE"
	EnvRefreshInterval        = "EVENTNET_REFRESH_INTERVAL"
	EnvSeeds                  = "EVENTNET_SEEDS"
	EnvDNSServer              = "EVENTNET_DNS_SERVER"
	EnvGossipPort             = "EVENTNET_GOSSIP_PORT"
)

// Keys of the settings in the `viper.Viper` given to `OptionsFromEnv`,
// flags bound to them override the environment.
const (
	KeyHostname               = "hostname"
	KeyPort                   = "port"
	KeyBindInterface          = "bind_interface"
	KeyMulticastAddress       = "multicast.address"
	KeyMulticastPort          = "multicast.port"
	KeyMulticastBindInterface = "multicast.bind_interface"
	KeyMode                   = "mode"
	KeyRefreshInterval        = "refresh_interval"
	KeySeeds                  = "seeds"
	KeyDNSServer              = "dns_server"
	KeyGossipPort             = "gossip_port"
)

// BindEnv binds the environment variables of the protocol to `v`, so
// flags or config files bound to the same keys can take over.
func BindEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		KeyHostname:               EnvHostname,
		KeyPort:                   EnvPort,
		KeyBindInterface:          EnvBindInterface,
		KeyMulticastAddress:       EnvMulticastAddress,
		KeyMulticastPort:          EnvMulticastPort,
		KeyMulticastBindInterface: EnvMulticastBindInterface,
		KeyMode:                   EnvMode,
		KeyRefreshInterval:        EnvRefreshInterval,
		KeySeeds:                  EnvSeeds,
		KeyDNSServer:              EnvDNSServer,
		KeyGossipPort:             EnvGossipPort,
	} {
		// only fails without a key.
		_ = v.BindEnv(key, env)
	}
	v.SetDefault(KeyBindInterface, DefaultBindInterface)
	v.SetDefault(KeyMulticastBindInterface, DefaultBindInterface)
}

// OptionsFromEnv translates the environment into options.
//
// Overrides which are set but invalid are logged and ignored, so the
// derived value applies: a valid override always wins over the derived
// value, an invalid one never does.
func OptionsFromEnv(v *viper.Viper, logger *slog.Logger) []Option {
	if v == nil {
		v = viper.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	BindEnv(v)

	var opts []Option
	if host := v.GetString(KeyHostname); host != "" {
		opts = append(opts, WithIdentifier(host), WithServiceName(host))
	}

	multicast := false
	switch mode := strings.ToLower(v.GetString(KeyMode)); mode {
	case "", ModeUnicast.String():
	case ModeMulticast.String():
		multicast = true
	default:
		logger.Warn("ignoring unknown mode", LabelMode.L(mode))
	}

	if v.IsSet(KeyMulticastAddress) {
		raw := v.GetString(KeyMulticastAddress)
		addr, err := netip.ParseAddr(raw)
		if err != nil || !addr.Is4() || !addr.IsMulticast() {
			logger.Warn("ignoring invalid multicast address, using the derived one", "value", raw)
		} else {
			opts = append(opts, WithGroup(addr.String()))
		}
		multicast = true
	}
	opts = append(opts, WithMulticast(multicast))

	portKey, ifaceKey := KeyPort, KeyBindInterface
	if multicast {
		portKey, ifaceKey = KeyMulticastPort, KeyMulticastBindInterface
	}

	if v.IsSet(portKey) {
		raw := v.GetString(portKey)
		port, err := cast.ToIntE(strings.TrimSpace(raw))
		if err != nil || port <= 0 || port > 65535 {
			logger.Warn("ignoring invalid port override, using the derived one", "value", raw)
		} else {
			opts = append(opts, WithPort(port))
		}
	}

	if iface := v.GetString(ifaceKey); iface != "" {
		opts = append(opts, WithBindInterface(iface))
	}

	if v.IsSet(KeyRefreshInterval) {
		raw := v.GetString(KeyRefreshInterval)
		interval, err := cast.ToDurationE(raw)
		if err != nil || interval <= 0 {
			logger.Warn("ignoring invalid refresh interval", "value", raw)
		} else {
			opts = append(opts, WithRefreshInterval(interval))
		}
	}

	if raw := v.GetString(KeySeeds); raw != "" {
		var seeds []string
		for _, seed := range strings.Split(raw, ",") {
			if seed = strings.TrimSpace(seed); seed != "" {
				seeds = append(seeds, seed)
			}
		}
		opts = append(opts, WithSeeds(seeds))
	}

	if raw := v.GetString(KeyDNSServer); raw != "" {
		if _, err := netip.ParseAddrPort(raw); err != nil {
			logger.Warn("ignoring invalid dns server", "value", raw, LabelError.L(err))
		} else {
			opts = append(opts, WithDNSServer(raw))
		}
	}

	if v.IsSet(KeyGossipPort) {
		raw := v.GetString(KeyGossipPort)
		port, err := cast.ToIntE(strings.TrimSpace(raw))
		if err != nil || port < 0 || port > 65535 {
			logger.Warn("ignoring invalid gossip port", "value", raw)
		} else {
			opts = append(opts, WithGossip(port))
		}
	}

	return opts
}
