package invalidation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchers(t *testing.T) {
	tests := []struct {
		name    string
		matcher Matcher
		key     string
		match   bool
	}{
		{"prefix match", Prefix("lessonPlans_"), "lessonPlans_a", true},
		{"prefix is case sensitive", Prefix("lessonPlans_"), "LessonPlans_a", false},
		{"family exact", Family("users"), "users", true},
		{"family child", Family("schemes_42"), "schemes_42_units", true},
		{"family sibling", Family("schemes_42"), "schemes_420", false},
		{"family other", Family("users"), "usersettings", false},
		{"regexp anchored", MustRegexp(`^dailyReports_\d+$`), "dailyReports_12", true},
		{"regexp miss", MustRegexp(`^dailyReports_\d+$`), "dailyReports_x", false},
		{"glob star", MustGlob("lessonPlans_*@example.com"), "lessonPlans_t@example.com", true},
		{"glob alternatives", MustGlob("{classes,subjects}"), "subjects", true},
		{"glob miss", MustGlob("classes_?"), "classes_12", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, tt.matcher.MatchString(tt.key))
		})
	}
}

func TestInvalidPatterns(t *testing.T) {
	_, err := Regexp(`^lessonPlans_(`)
	assert.Error(t, err)
	_, err = Glob("classes_[")
	assert.Error(t, err)
	assert.Panics(t, func() { MustRegexp("(") })
	assert.Panics(t, func() { MustGlob("[") })
}

func TestMatcherString(t *testing.T) {
	m := anyMatcher{Prefix("a_"), Family("b"), MustRegexp("^c"), MustGlob("d*")}
	assert.Equal(t, "prefix:a_ | family:b | regexp:^c | glob:d*", m.String())
	re, err := Regexp("x")
	require.NoError(t, err)
	assert.True(t, re.MatchString("xyz"))
}
