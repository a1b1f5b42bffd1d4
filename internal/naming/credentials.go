package naming

import "github.com/bbss-go/bbss/internal/models"

// AssignCredentials fills username and password on s. Existing credentials are
// kept unless regenerate is set, so a later class change never alters them implicitly.
// It reports whether new credentials were written.
func (e *Engine) AssignCredentials(s *models.Student, regenerate bool) (bool, error) {
	if !regenerate && s.Username != "" && s.Password != "" {
		return false, nil
	}
	password, err := e.GeneratePassword()
	if err != nil {
		return false, err
	}
	s.Username = e.GenerateUsername(s.ClassName, s.Surname, s.FirstName)
	s.Password = password
	return true, nil
}

// DisplayNames returns class, surname and first name, normalized when replace is set.
// The returned flag reports characters left outside ASCII.
func (e *Engine) DisplayNames(s models.Student, replace bool) (className, surname, firstName string, nonASCII bool) {
	className, surname, firstName = e.CanonicalizeClassName(s.ClassName), s.Surname, s.FirstName
	if replace {
		className, surname, firstName = e.Normalize(className), e.Normalize(surname), e.Normalize(firstName)
	}
	nonASCII = HasNonASCII(className) || HasNonASCII(surname) || HasNonASCII(firstName)
	return className, surname, firstName, nonASCII
}
