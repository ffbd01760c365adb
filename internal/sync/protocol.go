package sync

// Every websocket message carries a leading marker byte. Document frames are
// merged into the shared document and scheduled for persistence; awareness
// frames (cursor positions and the like) are relayed to the room and
// forgotten.
const (
	FrameSync      byte = 0x00
	FrameAwareness byte = 0x01
)
