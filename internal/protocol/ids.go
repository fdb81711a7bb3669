package protocol

const (
	// SignalProtoID is the libp2p stream protocol ID for call signaling.
	SignalProtoID = "/careline/signal/1.0.0"

	// RoomTopicPrefix prefixes the gossipsub topic of every room.
	RoomTopicPrefix = "careline.room."

	// MdnsTag identifies careline peers during LAN discovery.
	MdnsTag = "careline-mdns"
)

// RoomTopic returns the gossipsub topic name for a room.
func RoomTopic(roomID string) string {
	return RoomTopicPrefix + roomID
}
