package tasksource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/ralphy/internal/model"
)

func TestParseCSVBasic(t *testing.T) {
	input := []byte("id,title,done,group,desc\n1,Add login,0,1,\"Use OAuth\"\n2,\"Fix, bug\",1,0,\n")
	tasks, err := ParseCSV(input)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "1", tasks[0].ID)
	assert.Equal(t, "Add login", tasks[0].Title)
	assert.False(t, tasks[0].Completed)
	require.NotNil(t, tasks[0].ParallelGroup)
	assert.Equal(t, 1, *tasks[0].ParallelGroup)
	assert.Equal(t, "Use OAuth", tasks[0].Body)

	assert.Equal(t, "Fix, bug", tasks[1].Title)
	assert.True(t, tasks[1].Completed)
}

func TestCSVRoundTrip(t *testing.T) {
	tasks := []model.Task{
		{ID: "1", Title: "Add login", Body: "Use OAuth", ParallelGroup: intPtr(1)},
		{ID: "2", Title: "Fix, bug", Completed: true},
	}
	data, err := WriteCSV(tasks)
	require.NoError(t, err)

	reparsed, err := ParseCSV(data)
	require.NoError(t, err)
	assert.Equal(t, tasks, reparsed)
}

func TestYAMLRoundTrip(t *testing.T) {
	tasks := []model.Task{
		{ID: "1", Title: "Write docs", Body: "cover the API", ParallelGroup: intPtr(2)},
		{ID: "2", Title: "Ship it", Completed: true},
	}
	data, err := WriteYAML(tasks)
	require.NoError(t, err)

	reparsed, err := ParseYAML(data)
	require.NoError(t, err)
	assert.Equal(t, tasks, reparsed)
}

func TestYAMLAssignsIndexWhenIDMissing(t *testing.T) {
	input := []byte("tasks:\n  - title: First\n  - title: Second\n")
	tasks, err := ParseYAML(input)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "1", tasks[0].ID)
	assert.Equal(t, "2", tasks[1].ID)
}

func TestJSONRoundTrip(t *testing.T) {
	tasks := []model.Task{
		{ID: "1", Title: "A", Body: "desc"},
		{ID: "2", Title: "B", Completed: true, ParallelGroup: intPtr(3)},
	}
	data, err := WriteJSON(tasks)
	require.NoError(t, err)

	reparsed, err := ParseJSON(data)
	require.NoError(t, err)
	assert.Equal(t, tasks, reparsed)
}

func TestJSONAcceptsBareArrayAndSnakeCaseGroup(t *testing.T) {
	input := []byte(`[{"title":"A","parallel_group":4},{"title":"B","description":"d"}]`)
	tasks, err := ParseJSON(input)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.NotNil(t, tasks[0].ParallelGroup)
	assert.Equal(t, 4, *tasks[0].ParallelGroup)
	assert.Equal(t, "d", tasks[1].Body)
}

func TestMarkdownParseAndMarkComplete(t *testing.T) {
	input := []byte("- [ ] A\n- [ ] B")
	tasks, err := ParseMarkdown(input)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, 2, CountRemaining(tasks))
	assert.Equal(t, 0, CountCompleted(tasks))

	updated, err := MarkComplete(input, "1")
	require.NoError(t, err)
	assert.Equal(t, "- [x] A\n- [ ] B", string(updated))

	tasks2, err := ParseMarkdown(updated)
	require.NoError(t, err)
	assert.Equal(t, 1, CountRemaining(tasks2))
	assert.Equal(t, 1, CountCompleted(tasks2))
}

func TestMarkdownRoundTrip(t *testing.T) {
	tasks := []model.Task{
		{ID: "1", Title: "A"},
		{ID: "2", Title: "B", Completed: true},
	}
	data, err := WriteMarkdown(tasks)
	require.NoError(t, err)
	reparsed, err := ParseMarkdown(data)
	require.NoError(t, err)

	require.Len(t, reparsed, 2)
	assert.Equal(t, "A", reparsed[0].Title)
	assert.False(t, reparsed[0].Completed)
	assert.Equal(t, "B", reparsed[1].Title)
	assert.True(t, reparsed[1].Completed)
}

func TestDetectSourceType(t *testing.T) {
	cases := map[string]SourceType{
		"tasks.csv":  SourceCSV,
		"tasks.yaml": SourceYAML,
		"tasks.yml":  SourceYAML,
		"tasks.json": SourceJSON,
		"tasks.md":   SourceMarkdown,
	}
	for path, want := range cases {
		got, err := DetectSourceType(path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func intPtr(v int) *int { return &v }
