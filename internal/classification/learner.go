package classification

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jbrukh/bayesian"
	"github.com/smallbiznis/autocompta/internal/document/domain"
	"github.com/smallbiznis/autocompta/pkg/textmatch"
)

const minTokenLength = 3

// learner is a naive Bayes model of the accounts a tenant booked documents on.
type learner struct {
	cl      *bayesian.Classifier
	classes []bayesian.Class
}

// newLearner trains on prior classifications. It returns nil when fewer than
// two accounts are known, since there is nothing to discriminate.
func newLearner(prior []domain.PriorClassification) (l *learner, err error) {
	byAccount := map[string][][]string{}
	for _, p := range prior {
		tokens := tokenize(p.CounterpartyName + " " + p.Text)
		if p.Account == "" || len(tokens) == 0 {
			continue
		}
		byAccount[p.Account] = append(byAccount[p.Account], tokens)
	}
	if len(byAccount) < 2 {
		return nil, nil
	}

	accounts := make([]string, 0, len(byAccount))
	for account := range byAccount {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	classes := make([]bayesian.Class, 0, len(accounts))
	for _, account := range accounts {
		classes = append(classes, bayesian.Class(account))
	}

	defer func() {
		if r := recover(); r != nil {
			l, err = nil, fmt.Errorf("bayesian: %v", r)
		}
	}()
	cl := bayesian.NewClassifier(classes...)
	for _, account := range accounts {
		for _, tokens := range byAccount[account] {
			cl.Learn(tokens, bayesian.Class(account))
		}
	}
	return &learner{cl: cl, classes: classes}, nil
}

// predict returns the most probable account and its posterior probability.
func (l *learner) predict(text string) (string, float64, bool) {
	if l == nil {
		return "", 0, false
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return "", 0, false
	}
	scores, best, strict := l.cl.ProbScores(tokens)
	if !strict || best < 0 || best >= len(scores) {
		return "", 0, false
	}
	return string(l.classes[best]), scores[best], true
}

func tokenize(text string) []string {
	words := strings.Fields(textmatch.Normalize(text))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) >= minTokenLength {
			out = append(out, w)
		}
	}
	return out
}
