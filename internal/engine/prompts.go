package engine

import "fmt"

// Prompt templates for the multi-round reasoning loop. The generator is
// asked for width alternatives built only on established results, and must
// end its answer with SOLVED or PROGRESS on the final line.

func generatePrompt(problem string, width int) string {
	return fmt.Sprintf(`PROBLEM: %s

THINK LOUDLY!
1. Break the problem into %d step alternatives to address it
2. Choose one alternative
3. DO NOT USE CONJECTURES. Only use well known theorems, lemmas and mathematical concepts.

Do not write an answer yet, only propose the alternatives.
Display math in KATEX form
`, problem, width)
}

func continuePrompt(width int) string {
	return fmt.Sprintf(`Now, extensively create a mathematical approximation using this alternative,
proposing %d new ones from the result of the approach.

Remember: don't use any conjecture, only theorems, lemmas and other mathematical concepts well known.
If any solution encountered, end with SOLVED on its own final line, else end with PROGRESS on its own final line.
*Display math in KATEX form*
`, width)
}

func articlePrompt(nTokens int) string {
	return fmt.Sprintf(`From the given text, generate an article section with subsections to explain and formalize the reasoning process in detail.
The article should be approximately %d tokens long.
Use KATEX to display any math expressions.

For the first section, proceed as follows:
   1. Introduction: Briefly introduce the problem and its significance.
   2. Background: Provide necessary background information and definitions.

For subsequent sections, follow this structure:
   3. Methodology: Describe the reasoning steps taken to approach the problem.
   4. Results: Present the findings and any solutions derived from the reasoning process.
   5. Conclusion: Summarize the key points and implications of the results.
`, nTokens)
}

func articleContinuePrompt(nTokens int) string {
	return fmt.Sprintf(`Continue generating the article current section with subsections to explain and formalize the reasoning process in detail.
Also write the next sections of the article.
The article should be approximately %d tokens long.
Use KATEX to display any math expressions.
`, nTokens)
}
