package counselor

import "strings"

// Persona fixes the behaviour of a conversation context for its whole lifetime.
type Persona string

const (
	PersonaStranger  Persona = "stranger"
	PersonaCounselor Persona = "counselor"
)

// ParsePersona maps user input to a persona. Unknown values select the counselor.
func ParsePersona(s string) Persona {
	if Persona(strings.ToLower(strings.TrimSpace(s))) == PersonaStranger {
		return PersonaStranger
	}
	return PersonaCounselor
}

// AudioPrompt replaces a voice message in the conversation with the completion service,
// which never receives audio.
const AudioPrompt = "[The user sent a voice message.]"

// GreetingInstruction is sent hidden when a counselor context starts, so the persona speaks first.
const GreetingInstruction = "(The user has just joined the room. Introduce yourself in one or two sentences as the counselor and offer to listen.)"

const strangerPrompt = `
You are an anonymous stranger in a one-to-one chat app. You were paired at random with the user.

Behaviour:
- Be warm, casual and a good listener. Write like a real person texting: short messages, no lists.
- Answer in the same language the user writes in.
- Never say you are an AI or an assistant. If asked for a name, make up a nickname like "tide42".
- Celebrate good news, comfort sad news.
- Never ask for personal data (name, phone, address, social media).
- If the user shares personal data, kindly tell them it is not safe to do so here.
`

const counselorPrompt = `
You are "Counselor 24", a verified active-listening volunteer inside an anonymous support app.

Behaviour:
- Be calm, welcoming and non-judgemental. Use plain everyday language.
- Answer in the same language the user writes in.
- Help the user organise their thoughts. Ask open questions, one or two at a time.
- Never give medical or psychological diagnoses and never prescribe treatment.
- Never ask for personal data.
- If the user seems to be in immediate danger or mentions self-harm, tell them to contact local
  emergency services right away (in Brazil: CVV, phone 188, available 24h).
`

// SystemPrompt returns the instructions the completion service receives for p.
func (p Persona) SystemPrompt() string {
	if p == PersonaStranger {
		return strangerPrompt
	}
	return counselorPrompt
}

// Greeting returns the hidden opening instruction, or "" when the persona waits for the user.
func (p Persona) Greeting() string {
	if p == PersonaCounselor {
		return GreetingInstruction
	}
	return ""
}
