package spreadsheet

import (
	"strconv"
	"strings"
)

// TokenType represents different types of tokens in formulas
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNumber
	TokenString
	TokenBoolean
	TokenCell
	TokenRange
	TokenIdentifier
	TokenOperator
	TokenLeftParen
	TokenRightParen
	TokenComma
	TokenError
)

func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenNumber:
		return "Number"
	case TokenString:
		return "String"
	case TokenBoolean:
		return "Boolean"
	case TokenCell:
		return "Cell"
	case TokenRange:
		return "Range"
	case TokenIdentifier:
		return "Identifier"
	case TokenOperator:
		return "Operator"
	case TokenLeftParen:
		return "LeftParen"
	case TokenRightParen:
		return "RightParen"
	case TokenComma:
		return "Comma"
	case TokenError:
		return "Error"
	}
	return "Unknown"
}

// character classification constants. slightly easier to read.
const (
	charNull       = 0
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charApostrophe = '\''
	charAmpersand  = '&'
	charLParen     = '('
	charRParen     = ')'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charColon      = ':'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charCaret      = '^'
	charUnderscore = '_'
	charExclaim    = '!'
	charHash       = '#'
	charDollar     = '$'
)

// Token represents a lexical token with position information. strings hold
// their unescaped value; cells and ranges hold the reference without the
// worksheet qualifier, which lives in Sheet.
type Token struct {
	Type  TokenType
	Value string
	Sheet string
	Pos   int // rune position in input
}

// Lexer tokenizes spreadsheet formula expressions
type Lexer struct {
	runes  []rune // UTF-8 aware representation
	pos    int
	tokens []Token
}

// NewLexer creates a new lexer for the given formula input
func NewLexer(input string) *Lexer {
	return &Lexer{
		runes: []rune(input), // runes for UTF-8 support. could do without but a real pain
	}
}

// Tokenize is shorthand for NewLexer(input).Tokenize()
func Tokenize(input string) ([]Token, error) {
	return NewLexer(input).Tokenize()
}

// Tokenize tokenizes the entire input. the returned slice always ends with
// TokenEOF. failures are *SpreadsheetError with ErrorCodeSyntax.
func (l *Lexer) Tokenize() ([]Token, error) {
	l.pos = 0
	l.tokens = l.tokens[:0]

	// tolerate the formula prefix
	l.skipWhitespace()
	if l.current() == charEqual {
		l.pos++
	}

	for {
		l.skipWhitespace()
		if l.pos >= len(l.runes) {
			break
		}
		tok, err := l.nextToken()
		if err != nil {
			return nil, err
		}
		l.tokens = append(l.tokens, tok)
	}

	l.tokens = append(l.tokens, Token{Type: TokenEOF, Pos: l.pos})
	return l.tokens, nil
}

func (l *Lexer) errorf(pos int, msg string) *SpreadsheetError {
	return NewSpreadsheetError(ErrorCodeSyntax, msg+" at position "+strconv.Itoa(pos))
}

// nextToken returns the next token from the input
func (l *Lexer) nextToken() (Token, error) {
	startPos := l.pos
	ch := l.current()

	if ch == charQuote {
		return l.scanString()
	}

	if ch == charApostrophe {
		return l.scanQuotedWorksheetRef()
	}

	if isASCIIDigit(ch) || (ch == charPeriod && isASCIIDigit(l.peek(1))) {
		return l.scanNumber(), nil
	}

	if ch == charHash {
		return l.scanErrorLiteral()
	}

	switch ch {
	case charLParen:
		l.pos++
		return Token{Type: TokenLeftParen, Value: "(", Pos: startPos}, nil
	case charRParen:
		l.pos++
		return Token{Type: TokenRightParen, Value: ")", Pos: startPos}, nil
	case charComma:
		l.pos++
		return Token{Type: TokenComma, Value: ",", Pos: startPos}, nil
	case charPlus, charMinus, charAsterisk, charSlash, charCaret, charAmpersand, charEqual:
		l.pos++
		return Token{Type: TokenOperator, Value: string(ch), Pos: startPos}, nil
	case charLess:
		l.pos++
		if l.current() == charEqual {
			l.pos++
			return Token{Type: TokenOperator, Value: "<=", Pos: startPos}, nil
		} else if l.current() == charGreater {
			l.pos++
			return Token{Type: TokenOperator, Value: "<>", Pos: startPos}, nil
		}
		return Token{Type: TokenOperator, Value: "<", Pos: startPos}, nil
	case charGreater:
		l.pos++
		if l.current() == charEqual {
			l.pos++
			return Token{Type: TokenOperator, Value: ">=", Pos: startPos}, nil
		}
		return Token{Type: TokenOperator, Value: ">", Pos: startPos}, nil
	}

	if isASCIILetter(ch) || ch == charUnderscore || ch == charDollar {
		return l.scanIdentifierOrCell()
	}

	return Token{}, l.errorf(startPos, "unexpected character '"+string(ch)+"'")
}

func (l *Lexer) current() rune {
	if l.pos >= len(l.runes) {
		return charNull
	}
	return l.runes[l.pos]
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos >= len(l.runes) || pos < 0 {
		return charNull
	}
	return l.runes[pos]
}

// substring returns a substring of the original input based on rune positions
func (l *Lexer) substring(start, end int) string {
	if start < 0 || end > len(l.runes) || start > end {
		return ""
	}
	return string(l.runes[start:end])
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.runes) {
		switch l.current() {
		case charSpace, charTab, charNewline, charReturn:
			l.pos++
		default:
			return
		}
	}
}

func isIdentifierChar(ch rune) bool {
	return isASCIILetter(ch) || isASCIIDigit(ch) || ch == charUnderscore || ch == charPeriod
}

// scanNumber scans a number token including decimals and scientific notation
func (l *Lexer) scanNumber() Token {
	startPos := l.pos

	for isASCIIDigit(l.current()) {
		l.pos++
	}

	if l.current() == charPeriod {
		l.pos++
		for isASCIIDigit(l.current()) {
			l.pos++
		}
	}

	// scientific notation (e or E), only when digits follow
	if l.current() == 'e' || l.current() == 'E' {
		savedPos := l.pos
		l.pos++
		if l.current() == charPlus || l.current() == charMinus {
			l.pos++
		}
		if !isASCIIDigit(l.current()) {
			l.pos = savedPos
		} else {
			for isASCIIDigit(l.current()) {
				l.pos++
			}
		}
	}

	return Token{Type: TokenNumber, Value: l.substring(startPos, l.pos), Pos: startPos}
}

// scanString scans a string literal with support for double-quote escapes
func (l *Lexer) scanString() (Token, error) {
	startPos := l.pos
	l.pos++ // consume opening quote

	var sb strings.Builder
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charQuote {
			if l.peek(1) == charQuote {
				sb.WriteRune(charQuote)
				l.pos += 2
				continue
			}
			l.pos++ // consume closing quote
			return Token{Type: TokenString, Value: sb.String(), Pos: startPos}, nil
		}
		sb.WriteRune(ch)
		l.pos++
	}

	return Token{}, l.errorf(startPos, "unterminated string literal")
}

// scanErrorLiteral scans an error constant such as #DIV/0! or #N/A. the
// token value is the canonical upper-case text.
func (l *Lexer) scanErrorLiteral() (Token, error) {
	startPos := l.pos
	rest := strings.ToUpper(l.substring(l.pos, min(l.pos+len("#CIRCULAR!"), len(l.runes))))
	best := ""
	for _, text := range ErrorMapper {
		if strings.HasPrefix(rest, text) && len(text) > len(best) {
			best = text
		}
	}
	if best == "" {
		return Token{}, l.errorf(startPos, "unexpected character '#'")
	}
	l.pos += len([]rune(best))
	return Token{Type: TokenError, Value: best, Pos: startPos}, nil
}

// errorLiteralCode maps error literal text back to its code
func errorLiteralCode(text string) (ErrorCode, bool) {
	for code, s := range ErrorMapper {
		if s == text {
			return code, true
		}
	}
	return 0, false
}

// scanIdentifierOrCell scans identifiers, cells, ranges, booleans, and
// unquoted worksheet-qualified references
func (l *Lexer) scanIdentifierOrCell() (Token, error) {
	startPos := l.pos
	for isIdentifierChar(l.current()) || l.current() == charDollar {
		l.pos++
	}
	value := l.substring(startPos, l.pos)

	// $ only marks absolute cells; it is accepted and dropped
	if strings.ContainsRune(value, charDollar) {
		cell, ok := stripAbsolute(value)
		if !ok || l.current() == charExclaim || l.current() == charLParen {
			return Token{}, l.errorf(startPos, "invalid reference '"+value+"'")
		}
		return l.scanRangeTail(startPos, "", cell), nil
	}

	if l.current() == charExclaim {
		l.pos++
		return l.scanReference(startPos, value)
	}

	// anything followed by ( is a function name, even if shaped like a cell
	if l.current() == charLParen {
		return Token{Type: TokenIdentifier, Value: value, Pos: startPos}, nil
	}

	upper := strings.ToUpper(value)
	if upper == "TRUE" || upper == "FALSE" {
		return Token{Type: TokenBoolean, Value: upper, Pos: startPos}, nil
	}

	if isCellShape(value) {
		return l.scanRangeTail(startPos, "", value), nil
	}

	return Token{Type: TokenIdentifier, Value: value, Pos: startPos}, nil
}

// scanQuotedWorksheetRef scans 'Sheet Name'!A1 style references. a doubled
// apostrophe inside the name stands for one apostrophe.
func (l *Lexer) scanQuotedWorksheetRef() (Token, error) {
	startPos := l.pos
	l.pos++ // consume opening quote

	var sb strings.Builder
	for {
		if l.pos >= len(l.runes) {
			return Token{}, l.errorf(startPos, "unterminated worksheet name")
		}
		ch := l.current()
		if ch == charApostrophe {
			if l.peek(1) == charApostrophe {
				sb.WriteRune(charApostrophe)
				l.pos += 2
				continue
			}
			l.pos++
			break
		}
		sb.WriteRune(ch)
		l.pos++
	}

	if l.current() != charExclaim {
		return Token{}, l.errorf(startPos, "expected '!' after worksheet name")
	}
	l.pos++
	return l.scanReference(startPos, sb.String())
}

// scanReference scans the cell or range that follows a worksheet qualifier
func (l *Lexer) scanReference(startPos int, sheet string) (Token, error) {
	if sheet == "" {
		return Token{}, l.errorf(startPos, "empty worksheet name")
	}
	cell, ok := stripAbsolute(l.scanCellText())
	if !ok {
		return Token{}, l.errorf(startPos, "invalid cell reference after worksheet")
	}
	return l.scanRangeTail(startPos, sheet, cell), nil
}

// scanRangeTail turns a scanned cell into a range token when it is followed
// by :<cell>; otherwise the colon is left for the caller to reject
func (l *Lexer) scanRangeTail(startPos int, sheet, cell string) Token {
	if l.current() == charColon {
		savedPos := l.pos
		l.pos++
		second, ok := stripAbsolute(l.scanCellText())
		if ok && !isIdentifierChar(l.current()) {
			return Token{Type: TokenRange, Value: cell + ":" + second, Sheet: sheet, Pos: startPos}
		}
		l.pos = savedPos
	}
	return Token{Type: TokenCell, Value: cell, Sheet: sheet, Pos: startPos}
}

// scanCellText consumes letters, digits and $ markers
func (l *Lexer) scanCellText() string {
	start := l.pos
	for isASCIILetter(l.current()) || isASCIIDigit(l.current()) || l.current() == charDollar {
		l.pos++
	}
	return l.substring(start, l.pos)
}

// stripAbsolute removes the optional $ before the column and the row of a
// cell reference, e.g. $A$1, A$1 and $A1 all become A1
func stripAbsolute(s string) (string, bool) {
	rest := strings.TrimPrefix(s, "$")
	i := 0
	for i < len(rest) && isASCIILetter(rune(rest[i])) {
		i++
	}
	if i == 0 {
		return "", false
	}
	cell := rest[:i] + strings.TrimPrefix(rest[i:], "$")
	return cell, isCellShape(cell)
}

// isCellShape checks if a string looks like a cell reference (e.g., A1, B12):
// one or more letters then one or more digits. bounds are not checked here.
func isCellShape(s string) bool {
	letterEnd := 0
	for letterEnd < len(s) && isASCIILetter(rune(s[letterEnd])) {
		letterEnd++
	}
	if letterEnd == 0 || letterEnd == len(s) {
		return false
	}
	for i := letterEnd; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// JoinTokens renders a token stream back into formula text (without the
// leading '='). tokenizing the result yields the same token types and values.
func JoinTokens(tokens []Token) string {
	var sb strings.Builder
	var prev *Token
	for i := range tokens {
		tok := &tokens[i]
		if tok.Type == TokenEOF {
			break
		}
		if prev != nil && needsSpace(prev, tok) {
			sb.WriteByte(charSpace)
		}
		sb.WriteString(tokenText(tok))
		prev = tok
	}
	return sb.String()
}

func tokenText(tok *Token) string {
	switch tok.Type {
	case TokenString:
		return `"` + strings.ReplaceAll(tok.Value, `"`, `""`) + `"`
	case TokenCell, TokenRange:
		if tok.Sheet == "" {
			return tok.Value
		}
		return quoteSheetName(tok.Sheet) + "!" + tok.Value
	default:
		return tok.Value
	}
}

// quoteSheetName wraps a worksheet name in apostrophes unless it is a plain
// identifier
func quoteSheetName(name string) string {
	plain := name != "" && (isASCIILetter(rune(name[0])) || name[0] == charUnderscore)
	for i := 0; plain && i < len(name); i++ {
		plain = isIdentifierChar(rune(name[i]))
	}
	upper := strings.ToUpper(name)
	if plain && upper != "TRUE" && upper != "FALSE" {
		return name
	}
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func isWordToken(t TokenType) bool {
	switch t {
	case TokenNumber, TokenBoolean, TokenCell, TokenRange, TokenIdentifier, TokenError:
		return true
	}
	return false
}

// needsSpace reports whether two adjacent tokens would merge if written
// without a separator
func needsSpace(prev, next *Token) bool {
	if isWordToken(prev.Type) && isWordToken(next.Type) {
		return true
	}
	if prev.Type == TokenOperator && next.Type == TokenOperator {
		if prev.Value == "<" && (next.Value == "=" || next.Value == ">" || next.Value == ">=") {
			return true
		}
		if prev.Value == ">" && (next.Value == "=") {
			return true
		}
	}
	return false
}
