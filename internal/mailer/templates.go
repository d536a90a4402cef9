package mailer

import (
	"html/template"
	texttemplate "text/template"

	"course-service/internal/models"
)

type emailTemplate struct {
	subject *texttemplate.Template
	body    *template.Template
}

func mustTemplate(name, subject, body string) emailTemplate {
	return emailTemplate{
		subject: texttemplate.Must(texttemplate.New(name).Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New(name).Option("missingkey=zero").Parse(layoutStart + body + layoutEnd)),
	}
}

const layoutStart = `<!DOCTYPE html>
<html>
<body style="font-family: Helvetica, Arial, sans-serif; color: #1f2933; max-width: 560px; margin: 0 auto;">
<p>Hi {{.name}},</p>
`

const layoutEnd = `
<p style="color: #7b8794; font-size: 12px;">You are receiving this email because you have an account with us.</p>
</body>
</html>`

var templates = map[string]emailTemplate{
	models.TemplateWelcome: mustTemplate(models.TemplateWelcome,
		`You're enrolled in {{.course_title}}`,
		`<p>Your payment went through and <strong>{{.course_title}}</strong> is ready for you.</p>
{{if .expires_at}}<p>Your access runs until {{.expires_at}}.</p>{{else}}<p>Your access never expires.</p>{{end}}
<p>Happy learning!</p>`),

	models.TemplateCourseCompletion: mustTemplate(models.TemplateCourseCompletion,
		`Congratulations on completing {{.course_title}}`,
		`<p>You completed <strong>{{.course_title}}</strong>. Your certificate is ready:</p>
<p><a href="{{.certificate_url}}">Download your certificate</a></p>
<p>Anyone can confirm it at <a href="{{.verify_url}}">{{.verify_url}}</a> or with the short code <strong>{{.short_code}}</strong>.</p>`),

	models.TemplatePaymentFailed: mustTemplate(models.TemplatePaymentFailed,
		`Your payment could not be completed`,
		`<p>We could not complete your payment of {{.amount}} {{.currency}}{{if .reason}} ({{.reason}}){{end}}.</p>
<p>No enrollment was created. You can start a new payment at any time.</p>
<p>Reference: {{.payment_id}}</p>`),
}
