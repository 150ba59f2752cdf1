package pipeline

import (
	"github.com/sipeed/picoavatar/pkg/chat"
	"github.com/sipeed/picoavatar/pkg/lipsync"
)

// Payload is what the avatar client receives for one message.
type Payload struct {
	Text             string         `json:"text"`
	FacialExpression string         `json:"facialExpression"`
	Animation        string         `json:"animation"`
	Audio            string         `json:"audio"`
	AudioMimeType    string         `json:"audioMimeType"`
	LipSync          *lipsync.Track `json:"lipSync"`
	IsFallback       bool           `json:"isFallback"`
}

func NewPayload(msg chat.Message, a *Artifact) Payload {
	p := Payload{
		Text:             msg.Text,
		FacialExpression: msg.FacialExpression,
		Animation:        msg.Animation,
	}
	if a == nil {
		return p
	}
	p.Audio = a.Audio
	p.AudioMimeType = a.AudioMIME
	p.LipSync = a.Track
	p.IsFallback = a.IsFallback
	return p
}
