package template

import (
	"fmt"

	"github.com/lamim/prefbatch/pkg/models"
)

// formatTurn renders a single user/assistant exchange the way the built-in
// templates present conversations to the model.
func formatTurn(prompt, response string) string {
	return fmt.Sprintf("USER: %s\nASSISTANT: %s", prompt, response)
}

// PromptPairTemplate handles the common prompt/chosen/rejected layout.
type PromptPairTemplate struct{}

func (t *PromptPairTemplate) Name() string { return "prompt-pair" }

func (t *PromptPairTemplate) FormatPreferenceSample(rec models.RawRecord) (string, string, models.MetaInfo, error) {
	prompt, err := stringField(rec, "prompt")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}
	chosen, err := stringField(rec, "chosen")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}
	rejected, err := stringField(rec, "rejected")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}

	meta := models.MetaInfo{
		BetterResponse: chosen,
		WorseResponse:  rejected,
		Image:          imageField(rec),
	}
	return formatTurn(prompt, chosen), formatTurn(prompt, rejected), meta, nil
}

// CheckEqual rejects pairs whose responses are identical.
func (t *PromptPairTemplate) CheckEqual(rec models.RawRecord) bool {
	chosen, err := stringField(rec, "chosen")
	if err != nil {
		return false
	}
	rejected, err := stringField(rec, "rejected")
	if err != nil {
		return false
	}
	return chosen == rejected
}

// ResponseVoteTemplate handles the question/response_0/response_1 layout
// where overall_response votes 1 or 2 for the better answer.
type ResponseVoteTemplate struct{}

func (t *ResponseVoteTemplate) Name() string { return "response-vote" }

func (t *ResponseVoteTemplate) FormatPreferenceSample(rec models.RawRecord) (string, string, models.MetaInfo, error) {
	question, err := stringField(rec, "question")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}
	response0, err := stringField(rec, "response_0")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}
	response1, err := stringField(rec, "response_1")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}

	vote, ok := intField(rec, "overall_response")
	if !ok {
		return "", "", models.MetaInfo{}, fmt.Errorf("record is missing key %q", "overall_response")
	}
	better, worse := response0, response1
	if vote == 2 {
		better, worse = response1, response0
	}

	meta := models.MetaInfo{
		BetterResponse: better,
		WorseResponse:  worse,
		Image:          imageField(rec),
	}
	return formatTurn(question, better), formatTurn(question, worse), meta, nil
}

// CheckEqual rejects pairs whose two responses are the same text.
func (t *ResponseVoteTemplate) CheckEqual(rec models.RawRecord) bool {
	response0, err := stringField(rec, "response_0")
	if err != nil {
		return false
	}
	response1, err := stringField(rec, "response_1")
	if err != nil {
		return false
	}
	return response0 == response1
}

// CheckValidation rescues equal-looking records that still carry a decisive
// vote.
func (t *ResponseVoteTemplate) CheckValidation(rec models.RawRecord) bool {
	vote, ok := intField(rec, "overall_response")
	return ok && (vote == 1 || vote == 2)
}

// SafetyPairTemplate handles preference pairs annotated with per-response
// safety flags: prompt, response_0/1, is_response_0/1_safe and
// better_response_id.
type SafetyPairTemplate struct{}

func (t *SafetyPairTemplate) Name() string { return "safety-pair" }

func (t *SafetyPairTemplate) FormatPreferenceSample(rec models.RawRecord) (string, string, models.MetaInfo, error) {
	prompt, err := stringField(rec, "prompt")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}
	response0, err := stringField(rec, "response_0")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}
	response1, err := stringField(rec, "response_1")
	if err != nil {
		return "", "", models.MetaInfo{}, err
	}

	betterID, ok := intField(rec, "better_response_id")
	if !ok {
		return "", "", models.MetaInfo{}, fmt.Errorf("record is missing key %q", "better_response_id")
	}

	responses := [2]string{response0, response1}
	labels := [2]models.SafetyLabel{
		safetyLabel(rec, "is_response_0_safe"),
		safetyLabel(rec, "is_response_1_safe"),
	}
	worseID := 1 - betterID
	if betterID != 0 && betterID != 1 {
		return "", "", models.MetaInfo{}, fmt.Errorf("better_response_id is %d, expected 0 or 1", betterID)
	}

	meta := models.MetaInfo{
		BetterResponse: responses[betterID],
		WorseResponse:  responses[worseID],
		Image:          imageField(rec),
		IsBetterSafe:   labels[betterID],
		IsWorseSafe:    labels[worseID],
	}
	return formatTurn(prompt, responses[betterID]), formatTurn(prompt, responses[worseID]), meta, nil
}

// CheckEqual rejects pairs whose two responses are the same text.
func (t *SafetyPairTemplate) CheckEqual(rec models.RawRecord) bool {
	response0, err := stringField(rec, "response_0")
	if err != nil {
		return false
	}
	response1, err := stringField(rec, "response_1")
	if err != nil {
		return false
	}
	return response0 == response1
}

func safetyLabel(rec models.RawRecord, key string) models.SafetyLabel {
	switch v := rec[key].(type) {
	case bool:
		if v {
			return models.SafetyLabelSafe
		}
		return models.SafetyLabelUnsafe
	case string:
		switch v {
		case "safe", "true", "True":
			return models.SafetyLabelSafe
		case "unsafe", "false", "False":
			return models.SafetyLabelUnsafe
		}
	}
	return models.SafetyLabelUnknown
}
