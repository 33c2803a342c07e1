package orchestrator

import "strings"

// Utterances is the small set of pre-authored lines the caller may hear
// outside of LLM output. The caller never hears raw error text — every
// failure path maps onto one of these.
type Utterances struct {
	Hello         string
	ReEngage      string
	StillWorking  string
	Apology       string
	Goodbye       string
	TransferComes string
	SMSNoted      string
}

// utterancesByLang holds the shipped translations, keyed by primary
// language subtag.
var utterancesByLang = map[string]Utterances{
	"en": {
		Hello:         "Hello, this is {bot_name} from {bot_company}. How can I help you today?",
		ReEngage:      "Are you still there? Take your time, I am listening.",
		StillWorking:  "One moment, please.",
		Apology:       "I am sorry, something went wrong on my side. Could you say that again?",
		Goodbye:       "Thank you for calling. Goodbye!",
		TransferComes: "I am connecting you with a colleague. One moment, please.",
		SMSNoted:      "I have noted your message.",
	},
	"fr": {
		Hello:         "Bonjour, ici {bot_name} de {bot_company}. Comment puis-je vous aider ?",
		ReEngage:      "Êtes-vous toujours là ? Prenez votre temps, je vous écoute.",
		StillWorking:  "Un instant, s'il vous plaît.",
		Apology:       "Je suis désolée, un problème est survenu de mon côté. Pouvez-vous répéter ?",
		Goodbye:       "Merci de votre appel. Au revoir !",
		TransferComes: "Je vous mets en relation avec un collègue. Un instant, s'il vous plaît.",
		SMSNoted:      "J'ai bien noté votre message.",
	},
	"de": {
		Hello:         "Hallo, hier ist {bot_name} von {bot_company}. Wie kann ich Ihnen helfen?",
		ReEngage:      "Sind Sie noch dran? Lassen Sie sich Zeit, ich höre zu.",
		StillWorking:  "Einen Moment, bitte.",
		Apology:       "Es tut mir leid, bei mir ist etwas schiefgelaufen. Können Sie das wiederholen?",
		Goodbye:       "Vielen Dank für Ihren Anruf. Auf Wiederhören!",
		TransferComes: "Ich verbinde Sie mit einem Kollegen. Einen Moment, bitte.",
		SMSNoted:      "Ich habe Ihre Nachricht notiert.",
	},
	"es": {
		Hello:         "Hola, soy {bot_name} de {bot_company}. ¿En qué puedo ayudarle?",
		ReEngage:      "¿Sigue ahí? Tómese su tiempo, le escucho.",
		StillWorking:  "Un momento, por favor.",
		Apology:       "Lo siento, algo ha fallado por mi parte. ¿Puede repetirlo?",
		Goodbye:       "Gracias por su llamada. ¡Hasta luego!",
		TransferComes: "Le paso con un compañero. Un momento, por favor.",
		SMSNoted:      "He tomado nota de su mensaje.",
	},
}

// UtterancesFor returns the pre-authored set for a BCP-47 tag, substituting
// the bot placeholders. Unknown languages fall back to English.
func UtterancesFor(lang, botName, botCompany string) Utterances {
	primary := lang
	if i := strings.IndexByte(lang, '-'); i > 0 {
		primary = lang[:i]
	}
	u, ok := utterancesByLang[strings.ToLower(primary)]
	if !ok {
		u = utterancesByLang["en"]
	}
	repl := strings.NewReplacer("{bot_name}", botName, "{bot_company}", botCompany)
	u.Hello = repl.Replace(u.Hello)
	return u
}
