package notify

import (
	"strings"

	"vigil/internal/config"
	"vigil/internal/domain"
)

// Catalog maps language tags to message templates. Unknown tags fall back
// to the default language; overrides from config are merged over the
// built-ins at construction, so resolution never fails at send time.
type Catalog struct {
	templates map[string]config.MessageTemplate
}

// NewCatalog merges config overrides over the built-in catalog.
func NewCatalog(overrides map[string]config.MessageTemplate) Catalog {
	merged := make(map[string]config.MessageTemplate, len(builtinTemplates)+len(overrides))
	for tag, tpl := range builtinTemplates {
		merged[tag] = tpl
	}
	for tag, tpl := range overrides {
		merged[strings.ToLower(tag)] = tpl
	}
	return Catalog{templates: merged}
}

// Resolve returns the template for a language tag, falling back to the
// default language.
func (c Catalog) Resolve(tag string) config.MessageTemplate {
	if tpl, ok := c.templates[strings.ToLower(tag)]; ok {
		return tpl
	}
	return c.templates[config.DefaultLanguage]
}

// Languages lists the known tags.
func (c Catalog) Languages() []string {
	tags := make([]string, 0, len(c.templates))
	for tag := range c.templates {
		tags = append(tags, tag)
	}
	return tags
}

// RenderEmail fills a template's placeholders for one (recipient, document)
// pair. Placeholders: {name}, {document}, {description}, {locator}, {code}.
func RenderEmail(tpl config.MessageTemplate, r domain.Recipient, d domain.Document, code string) (subject, body string) {
	rep := replacer(r, d, code)
	var b strings.Builder
	b.WriteString(rep.Replace(tpl.Greeting))
	b.WriteString("\n\n")
	b.WriteString(rep.Replace(tpl.Body))
	b.WriteString("\n\nDocument: ")
	b.WriteString(d.Name)
	if d.Description != "" {
		b.WriteString("\n")
		b.WriteString(d.Description)
	}
	b.WriteString("\n")
	b.WriteString(d.Locator)
	b.WriteString("\n\n")
	b.WriteString(rep.Replace(tpl.Closing))
	return rep.Replace(tpl.Subject), b.String()
}

// RenderAccessSMS fills the short access-code message for SMS/WhatsApp.
func RenderAccessSMS(tpl config.MessageTemplate, r domain.Recipient, d domain.Document, code string) string {
	return replacer(r, d, code).Replace(tpl.AccessSMS)
}

func replacer(r domain.Recipient, d domain.Document, code string) *strings.Replacer {
	return strings.NewReplacer(
		"{name}", r.Name,
		"{document}", d.Name,
		"{description}", d.Description,
		"{locator}", d.Locator,
		"{code}", code,
	)
}

var builtinTemplates = map[string]config.MessageTemplate{
	"english": {
		Subject:   "Important documents for {name}",
		Greeting:  "My dear {name},",
		Body:      "For your security I have made sure that you are not left in debt or financial stress. Please find the important documents that will secure you financially. The documents require the access code sent to your phone.",
		Closing:   "Thanks for your love",
		AccessSMS: "Access code for {document}: {code}. Check your email for the secure document. Thanks for your love.",
	},
	"hindi": {
		Subject:   "{name} के लिए महत्वपूर्ण दस्तावेज़",
		Greeting:  "मेरे प्रिय {name},",
		Body:      "आपकी सुरक्षा के लिए मैंने यह सुनिश्चित किया है कि आप कर्ज़ या वित्तीय तनाव में न रहें। कृपया इन महत्वपूर्ण दस्तावेज़ों को देखें। दस्तावेज़ों के लिए आपके फ़ोन पर भेजा गया एक्सेस कोड आवश्यक है।",
		Closing:   "आपके प्रेम के लिए धन्यवाद",
		AccessSMS: "{document} के लिए एक्सेस कोड: {code}. सुरक्षित दस्तावेज़ के लिए अपना ईमेल देखें।",
	},
	"spanish": {
		Subject:   "Documentos importantes para {name}",
		Greeting:  "Mi querido/a {name},",
		Body:      "Para tu seguridad me he asegurado de que no quedes en deudas o estrés financiero. Por favor encuentra los documentos importantes que te asegurarán financieramente. Los documentos requieren el código de acceso enviado a tu teléfono.",
		Closing:   "Gracias por tu amor",
		AccessSMS: "Código de acceso para {document}: {code}. Revisa tu email para el documento seguro.",
	},
	"french": {
		Subject:   "Documents importants pour {name}",
		Greeting:  "Mon cher/Ma chère {name},",
		Body:      "Pour votre sécurité, j'ai veillé à ce que vous ne soyez pas laissé dans les dettes ou le stress financier. Veuillez trouver les documents importants qui vous sécuriseront financièrement. Les documents nécessitent le code d'accès envoyé à votre téléphone.",
		Closing:   "Merci pour votre amour",
		AccessSMS: "Code d'accès pour {document}: {code}. Vérifiez votre email pour le document sécurisé.",
	},
}
