package bench

// Fixed evaluation inputs. Freezing them keeps run-over-run comparisons
// meaningful; changing any of these invalidates historical scores.

// inferencePrompts is the fixed 8-prompt set for the latency tier:
// factual recall, multi-step reasoning, and code generation.
var inferencePrompts = []string{
	"What is the capital of Australia?",
	"Name the chemical symbol for potassium.",
	"In which year did the Apollo 11 mission land on the moon?",
	"A train leaves at 9:00 travelling 60 km/h and another at 10:00 travelling 90 km/h on the same track. At what time does the second catch the first?",
	"If all bloops are razzies and some razzies are lazzies, can we conclude all bloops are lazzies? Explain briefly.",
	"Alice is taller than Bob. Bob is taller than Carol. Who is shortest?",
	"Write a Go function that reverses a slice of ints in place.",
	"Write a SQL query returning the three most recent orders per customer.",
}

const warmupIterations = 3

// coveQuestion pairs a prompt with lexical markers a faithful answer
// mentions; verification answers contradicting the markers fail.
type coveQuestion struct {
	Question string
	Markers  []string
}

var coveQuestions = []coveQuestion{
	{Question: "Is the Great Wall of China visible from low Earth orbit with the naked eye?", Markers: []string{"not", "difficult"}},
	{Question: "Does water always boil at 100 degrees Celsius regardless of altitude?", Markers: []string{"not", "pressure", "altitude"}},
	{Question: "Was the printing press invented before the telescope?", Markers: []string{"yes", "before", "1440"}},
	{Question: "Do penguins live at the North Pole?", Markers: []string{"no", "not", "antarct"}},
	{Question: "Is the speed of sound faster in water than in air?", Markers: []string{"yes", "faster", "water"}},
}

// goldenDoc is one retrieval corpus document.
type goldenDoc struct {
	ID      string
	Content string
}

var goldenCorpus = []goldenDoc{
	{ID: "doc-espresso", Content: "Espresso extraction works best between 90 and 96 degrees Celsius with a 25 to 30 second pull."},
	{ID: "doc-kernel", Content: "The Linux kernel scheduler uses completely fair scheduling with per-task virtual runtimes."},
	{ID: "doc-sourdough", Content: "Sourdough starters need regular feeding of flour and water to keep wild yeast cultures active."},
	{ID: "doc-transformer", Content: "Transformer models rely on self-attention layers instead of recurrence for sequence modeling."},
	{ID: "doc-tides", Content: "Ocean tides are driven primarily by the gravitational pull of the moon and secondarily the sun."},
	{ID: "doc-raft", Content: "The Raft consensus algorithm elects a single leader which replicates a log to follower nodes."},
	{ID: "doc-violin", Content: "Violin strings are tuned in perfect fifths: G, D, A and E from lowest to highest."},
	{ID: "doc-compost", Content: "A healthy compost pile balances carbon-rich browns against nitrogen-rich greens and stays damp."},
}

// goldenQuery pairs a query with its ground-truth relevant documents.
type goldenQuery struct {
	Query    string
	Relevant []string
}

var goldenQueries = []goldenQuery{
	{Query: "what water temperature for pulling espresso shots", Relevant: []string{"doc-espresso"}},
	{Query: "how does raft pick a leader for log replication", Relevant: []string{"doc-raft"}},
	{Query: "feeding a sourdough starter with flour", Relevant: []string{"doc-sourdough"}},
	{Query: "self-attention instead of recurrence in sequence models", Relevant: []string{"doc-transformer"}},
	{Query: "what causes ocean tides moon gravity", Relevant: []string{"doc-tides"}},
}
