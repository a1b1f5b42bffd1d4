package naming

import "sort"

// Alias maps a raw class name fragment onto its canonical replacement.
type Alias struct {
	Raw       string
	Canonical string
}

// Department groups class determinators. Groups are searched in order, so the
// first group listing a determinator wins.
type Department struct {
	Name    string
	Classes []string
}

// Rules holds every lookup table the naming engine works from.
type Rules struct {
	CharMap         map[rune]string
	ClassAliases    []Alias
	ClassBlacklist  []string
	IgnoredPrefixes []string
	Departments     []Department
	MailDenylist    []string
	PasswordLength  int
	OUBase          string
}

// DefaultRules returns the tables in use at the school.
func DefaultRules() Rules {
	r := Rules{
		CharMap: map[rune]string{
			'ä': "ae", 'à': "a", 'á': "a", 'â': "a", 'ã': "a",
			'Ä': "Ae", 'À': "A", 'Á': "A", 'Â': "A", 'Ã': "A",
			'è': "e", 'é': "e", 'ê': "e",
			'È': "E", 'É': "E", 'Ê': "E",
			'ö': "oe", 'ò': "o", 'ó': "o", 'ô': "o", 'õ': "o",
			'Ö': "Oe", 'Ò': "O", 'Ó': "O", 'Ô': "O", 'Õ': "O",
			'ü': "ue", 'ù': "u", 'ú': "u", 'û': "u",
			'Ü': "Ue", 'Ù': "U", 'Ú': "U", 'Û': "U",
			'í': "i", 'ß': "ss",
			'Ç': "C", 'ç': "c", 'č': "c", 'ć': "c",
			'´': "", '\'': "", '-': "", ' ': "",
		},
		ClassAliases: []Alias{
			{"SGOX", "SGO"}, {"SGSX", "SGO"}, {"STEX", "STE"}, {"CPHY", "CPWY"},
			{"MMGX", "MMG"}, {"EIEX", "EIE"}, {"KZMX", "KZM"}, {"MKMX", "MKM"}, {"MAFX", "MAF"},
			{"BGT11A", "BGT"}, {"BGT11B", "BGT"}, {"BGT11C", "BGT"}, {"BGT11D", "BGT"},
			{"BGT12", "BGT"}, {"BGT13", "BGT"},
			{"TG11A", "TG"}, {"TG11B", "TG"}, {"TG11C", "TG"}, {"TG11D", "TG"},
			{"TG12", "TG"}, {"TG13", "TG"},
		},
		ClassBlacklist:  []string{"OWS", "OWH"},
		IgnoredPrefixes: []string{"ZZ"},
		Departments: []Department{
			{Name: "Elektrotechnik", Classes: []string{"BFSE", "EIE", "ELH", "ELI", "EIEX"}},
			{Name: "Berufliches Gymnasium", Classes: []string{"BGT", "BGTA", "BGTB", "BGTC", "BGT12", "BGT13", "TG", "TG11A", "TG11B", "TG11C", "TG11D", "TG12", "TG13"}},
			{Name: "Fachschule", Classes: []string{"FOSS", "FOSW", "FSAE", "FSAM", "FSE", "FSM"}},
			{Name: "IT-Berufe", Classes: []string{"BFIA", "IFA", "IFI", "ISE"}},
			{Name: "Kraftfahrzeugtechnik", Classes: []string{"KBK", "KFZ", "KKB", "KZM", "KZO", "KZU", "KZF"}},
			{Name: "Mechatronik", Classes: []string{"FSAME", "SME"}},
			{Name: "Metalltechnik", Classes: []string{"BEKM", "BFSM", "MAF", "MAKM", "MII", "MIM", "MIP", "MMB", "MME", "MMG", "MPV", "MTL", "MWM", "MZD", "MZM"}},
			{Name: "Technische Zeichner", Classes: []string{"STZ", "STZH", "STPS", "STP", "STSV", "STZE", "STEX"}},
			{Name: "Sonstige Berufe", Classes: []string{"CCL", "CPWY", "SAO", "SGO"}},
			{Name: "Versorgungstechnik", Classes: []string{"VAM"}},
			{Name: "Gäste", Classes: []string{"IHK", "ITW"}},
			{Name: "Osnabrücker Werkstätten", Classes: []string{"OWS", "OWH"}},
		},
		MailDenylist: []string{
			"unbekannt", "nicht bekannt", "keine bekannt", "nicht vorhanden",
			"keine angabe", "ohne angabe", "ohne angaben", "wird nachgereicht",
			"keine", "nicht angegeben", "k.a.", "n.n.", "n.a.", "o.a.",
			"keine ahnung", "ohne", "ka", "./.", "keine@vorhanden.de",
			"keine@e-mail", "noch.nicht@vorhanden.de", "unbekannt@de",
		},
		PasswordLength: 8,
		OUBase:         "ou=Schueler,dc=bbs,dc=local",
	}
	r.sortAliases()
	return r
}

// sortAliases orders aliases longest first so "BGT11A" wins over its suffix "TG11A".
func (r *Rules) sortAliases() {
	sort.SliceStable(r.ClassAliases, func(i, j int) bool {
		a, b := r.ClassAliases[i].Raw, r.ClassAliases[j].Raw
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
}
