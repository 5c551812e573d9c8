// Separate package is workaround to import cycles.
package tele_config

type Config struct { //nolint:maligned
	// "gomqtt" (default) or "paho"
	Driver string `hcl:"driver"`

	MqttBroker        string `hcl:"mqtt_broker"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	ClientID          string `hcl:"client_id"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
	TlsCaFile         string `hcl:"tls_ca_file"`

	// mDNS broker discovery, used when MqttBroker is empty or unreachable at init
	DiscoverService    string `hcl:"discover_service"`
	DiscoverDomain     string `hcl:"discover_domain"`
	DiscoverTimeoutSec int    `hcl:"discover_timeout_sec"`

	TopicStatus   string `hcl:"topic_status"`
	TopicCommand  string `hcl:"topic_command"`
	Qos           int    `hcl:"qos"`
	Retain        bool   `hcl:"retain"`
	InboundBuffer int    `hcl:"inbound_buffer"`
}
