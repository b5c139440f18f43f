package spreadsheet

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/xuri/efp"
)

// tok is a Token without its position
type tok struct {
	Type  TokenType
	Value string
	Sheet string
}

func stripPositions(tokens []Token) []tok {
	out := make([]tok, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tok{Type: t.Type, Value: t.Value, Sheet: t.Sheet})
	}
	return out
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []tok
	}{
		{"number", "=1.5", []tok{{TokenNumber, "1.5", ""}}},
		{"scientific", "=2.5e-3", []tok{{TokenNumber, "2.5e-3", ""}}},
		{"leading period", "=.5", []tok{{TokenNumber, ".5", ""}}},
		{"no prefix", "1+2", []tok{{TokenNumber, "1", ""}, {TokenOperator, "+", ""}, {TokenNumber, "2", ""}}},
		{"string with escaped quote", `="say ""hi"""`, []tok{{TokenString, `say "hi"`, ""}}},
		{"booleans", "=true<>FALSE", []tok{{TokenBoolean, "TRUE", ""}, {TokenOperator, "<>", ""}, {TokenBoolean, "FALSE", ""}}},
		{"cell", "=b12", []tok{{TokenCell, "b12", ""}}},
		{"range", "=A1:C3", []tok{{TokenRange, "A1:C3", ""}}},
		{"qualified cell", "=Data!A1", []tok{{TokenCell, "A1", "Data"}}},
		{"quoted sheet", "='My ''Q'' Sheet'!B2:B4", []tok{{TokenRange, "B2:B4", "My 'Q' Sheet"}}},
		{"function", "=sum(A1, 2)", []tok{
			{TokenIdentifier, "sum", ""}, {TokenLeftParen, "(", ""}, {TokenCell, "A1", ""},
			{TokenComma, ",", ""}, {TokenNumber, "2", ""}, {TokenRightParen, ")", ""},
		}},
		{"cell shaped function name", "=LOG10(100)", []tok{
			{TokenIdentifier, "LOG10", ""}, {TokenLeftParen, "(", ""}, {TokenNumber, "100", ""}, {TokenRightParen, ")", ""},
		}},
		{"bare name", "=my_name", []tok{{TokenIdentifier, "my_name", ""}}},
		{"comparison operators", "=1<=2>=3<4>5", []tok{
			{TokenNumber, "1", ""}, {TokenOperator, "<=", ""}, {TokenNumber, "2", ""}, {TokenOperator, ">=", ""},
			{TokenNumber, "3", ""}, {TokenOperator, "<", ""}, {TokenNumber, "4", ""}, {TokenOperator, ">", ""},
			{TokenNumber, "5", ""},
		}},
		{"whitespace", " = 1 &\t\"a\" ", []tok{{TokenNumber, "1", ""}, {TokenOperator, "&", ""}, {TokenString, "a", ""}}},
		{"unicode string", `="héllo 世界"`, []tok{{TokenString, "héllo 世界", ""}}},
		{"absolute cell", "=$A$1", []tok{{TokenCell, "A1", ""}}},
		{"mixed references", "=A$1+$B2", []tok{{TokenCell, "A1", ""}, {TokenOperator, "+", ""}, {TokenCell, "B2", ""}}},
		{"absolute range", "=$A$1:B$3", []tok{{TokenRange, "A1:B3", ""}}},
		{"absolute qualified range", "=Data!$A1:$C$3", []tok{{TokenRange, "A1:C3", "Data"}}},
		{"error literals", "=#DIV/0!&#n/a", []tok{{TokenError, "#DIV/0!", ""}, {TokenOperator, "&", ""}, {TokenError, "#N/A", ""}}},
		{"error literal argument", "=IF(#REF!,1)", []tok{
			{TokenIdentifier, "IF", ""}, {TokenLeftParen, "(", ""}, {TokenError, "#REF!", ""},
			{TokenComma, ",", ""}, {TokenNumber, "1", ""}, {TokenRightParen, ")", ""},
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tokens, err := Tokenize(test.input)
			assert.NoError(t, err)
			want := append(test.want, tok{Type: TokenEOF})
			assert.Equal(t, want, stripPositions(tokens))
		})
	}
}

func TestTokenizePositions(t *testing.T) {
	tokens, err := Tokenize(`=A1 + "é" & B2`)
	assert.NoError(t, err)
	var positions []int
	for _, tk := range tokens {
		positions = append(positions, tk.Pos)
	}
	// positions count runes
	assert.Equal(t, []int{1, 4, 6, 10, 12, 14}, positions)
}

func TestTokenizeErrors(t *testing.T) {
	tests := []struct {
		input string
		pos   string
	}{
		{`="unterminated`, "position 1"},
		{"=1 # 2", "position 3"},
		{"='Sheet", "position 1"},
		{"='Sheet'A1", "position 1"},
		{"=Sheet1!", "position 1"},
		{"=Sheet1!foo", "position 1"},
		{"=''!A1", "position 1"},
		{"=#BOGUS!", "position 1"},
		{"=1+$", "position 3"},
		{"=A1$", "position 1"},
		{"=$SUM(1)", "position 1"},
		{"=$$A1", "position 1"},
		{"=Data!$$A1", "position 1"},
	}
	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			_, err := Tokenize(test.input)
			assert.Error(t, err)
			serr, ok := err.(*SpreadsheetError)
			assert.True(t, ok)
			assert.Equal(t, ErrorCodeSyntax, serr.ErrorCode)
			assert.Contains(t, serr.Error(), test.pos)
		})
	}
}

func TestJoinTokensRoundTrip(t *testing.T) {
	formulas := []string{
		"=1+2*3",
		"=SUM(A1:B10, 5) / COUNT(A1:B10)",
		`=IF(A1>=10, "big ""one""", 'My Sheet'!C3)`,
		"=-A1^2 & TRUE",
		"=Data!A1:A3 <> 4",
		"=1 < = 2",
		"=a1<>b1",
		"=2.5e10*foo.bar",
		"='it''s'!A1",
		"='TRUE'!A1+'A1'!B2",
		`=""`,
		"=$A$1 + #N/A & #div/0!",
	}
	for _, formula := range formulas {
		t.Run(formula, func(t *testing.T) {
			tokens, err := Tokenize(formula)
			assert.NoError(t, err)
			joined := JoinTokens(tokens)
			again, err := Tokenize(joined)
			assert.NoError(t, err, "joined: %s", joined)
			assert.Equal(t, stripPositions(tokens), stripPositions(again), "joined: %s", joined)
			// joining is stable
			assert.Equal(t, joined, JoinTokens(again))
		})
	}
}

func TestNormalizeFormula(t *testing.T) {
	assert.Equal(t, NormalizeFormula("=A1 + 1"), NormalizeFormula("A1+1"))
	assert.Equal(t, NormalizeFormula("=sum(data!b1:b2)"), NormalizeFormula("=SUM(Data!B1:B2)"))
	assert.NotEqual(t, NormalizeFormula(`="a"`), NormalizeFormula(`="A"`))
	assert.Equal(t, FormulaKey("SUM(A1:A2)"), NormalizeFormula("= SUM( A1:A2 )"))
	assert.NotEqual(t, NormalizeFormula("A1+1"), NormalizeFormula("A1+2"))
	// broken formulas keep their own text
	assert.Equal(t, FormulaKey(`"open`), NormalizeFormula(`  "open `))
}

// the references we extract must agree with an independent Excel formula
// tokenizer
func TestReferencesMatchExcelTokenizer(t *testing.T) {
	formulas := []string{
		"=A1+B2",
		"=SUM(A1:B10)*C3",
		"=IF(A1>0,Sheet2!B1,C1:D4)",
		"=Data!A1:A100+Data!B7-3",
		"=AVERAGE(A1:A5,B1:B5)&E5",
		"=ROUND(SQRT(C1)*PI(),2)",
		"=TRUE+A1",
		"=SUM($A$1:B$5)+$C2",
	}
	for _, formula := range formulas {
		t.Run(formula, func(t *testing.T) {
			var want []string
			ps := efp.ExcelParser()
			for _, token := range ps.Parse(formula) {
				if token.TType == efp.TokenTypeOperand && token.TSubType == efp.TokenSubTypeRange {
					want = append(want, strings.ToUpper(strings.ReplaceAll(token.TValue, "$", "")))
				}
			}

			p := Compile(formula, CompileOptions{})
			assert.Zero(t, p.Err)
			var got []string
			for _, ref := range p.References {
				got = append(got, strings.ToUpper(ref.String()))
			}
			assert.Equal(t, want, got)
		})
	}
}
