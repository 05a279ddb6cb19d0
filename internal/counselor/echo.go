package counselor

import (
	"context"
	"fmt"
)

// EchoCompleter is used when no completion service is configured. It keeps the
// conversation flowing with canned replies.
type EchoCompleter struct{}

func NewEchoCompleter() *EchoCompleter {
	return &EchoCompleter{}
}

func (EchoCompleter) CreateContext(_ context.Context, _ string, _ Params) (Thread, error) {
	return echoThread{}, nil
}

type echoThread struct{}

func (echoThread) Complete(_ context.Context, text string) (string, error) {
	switch text {
	case GreetingInstruction:
		return "Olá, sou o Conselheiro 24. Estou aqui para te ouvir, sem julgamentos.", nil
	case AudioPrompt:
		return "Recebi seu áudio. Quer me contar por escrito como você está se sentindo?", nil
	}
	return fmt.Sprintf("Estou te ouvindo. Você disse %q. Quer me contar um pouco mais sobre isso?", text), nil
}
