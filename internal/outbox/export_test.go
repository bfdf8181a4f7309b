package outbox

// BuildMail exposes buildMail to external tests.
var BuildMail = buildMail
