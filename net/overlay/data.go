package overlay

// Hello is the first frame each side writes on a new connection.
type Hello struct {
	NodeID     string `cbor:"1,keyasint"`
	Version    int    `cbor:"2,keyasint"`
	ListenAddr string `cbor:"3,keyasint,omitempty"`
}

// Frame carries one overlay message. The first payload byte is the message id.
type Frame struct {
	Payload []byte `cbor:"1,keyasint"`
}
